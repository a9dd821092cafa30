package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aidin1998/dreamjournal-api/internal/infrastructure/ratelimit"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Environments
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config is the complete service configuration
type Config struct {
	Environment string          `mapstructure:"environment" validate:"oneof=development production test"`
	LogLevel    string          `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Server      ServerConfig    `mapstructure:"server"`
	Redis       RedisConfig     `mapstructure:"redis"`
	JWT         JWTConfig       `mapstructure:"jwt"`
	CORS        CORSConfig      `mapstructure:"cors"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

// Addr returns host:port for net/http
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig represents the counter store connection
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"min=0,max=15"`
	PoolSize     int           `mapstructure:"pool_size" validate:"gte=0"`
	MinIdleConns int           `mapstructure:"min_idle_conns" validate:"gte=0"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=-1"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
}

// JWTConfig represents session token verification settings
type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	CookieName string        `mapstructure:"cookie_name"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// CORSConfig represents cross-origin settings
type CORSConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxAge         time.Duration `mapstructure:"max_age" validate:"gte=0"`
}

// TracingConfig selects where spans go. "none" still installs a provider so
// trace ids propagate and show up in logs.
type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter" validate:"oneof=none stdout"`
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// RateLimitConfig represents the rate limiting layer
type RateLimitConfig struct {
	Enabled             bool                    `mapstructure:"enabled"`
	FailMode            string                  `mapstructure:"fail_mode" validate:"oneof=open closed"`
	StoreTimeout        time.Duration           `mapstructure:"store_timeout" validate:"gt=0"`
	HealthCheckTimeout  time.Duration           `mapstructure:"health_check_timeout" validate:"gt=0"`
	HealthCheckInterval time.Duration           `mapstructure:"health_check_interval" validate:"gte=0"`
	SkipPaths           []string                `mapstructure:"skip_paths"`
	AdminIPs            []string                `mapstructure:"admin_ips" validate:"dive,ip"`
	BypassHeader        BypassHeaderConfig      `mapstructure:"bypass_header"`
	EnableLogs          bool                    `mapstructure:"enable_logs"`
	ErrorLogRate        float64                 `mapstructure:"error_log_rate" validate:"gte=0"`
	ErrorLogBurst       int                     `mapstructure:"error_log_burst" validate:"gte=0"`
	Limiters            map[string]LimiterEntry `mapstructure:"limiters" validate:"dive"`
	Endpoints           []PathEntry             `mapstructure:"endpoints" validate:"dive"`
	Prefixes            []PrefixEntry           `mapstructure:"prefixes" validate:"dive"`
	Tiers               map[string]string       `mapstructure:"tiers"`
}

// BypassHeaderConfig controls the trusted-caller bypass header
type BypassHeaderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name" validate:"required_if=Enabled true"`
}

// LimiterEntry is one limiter class as configured
type LimiterEntry struct {
	MaxRequests uint          `mapstructure:"max_requests" validate:"gt=0"`
	Window      time.Duration `mapstructure:"window" validate:"gte=1ms"`
	Namespace   string        `mapstructure:"namespace" validate:"required"`
}

// PathEntry maps an exact path to a limiter class
type PathEntry struct {
	Path    string `mapstructure:"path" validate:"required,startswith=/"`
	Limiter string `mapstructure:"limiter" validate:"required"`
}

// PrefixEntry maps a path prefix to a limiter class
type PrefixEntry struct {
	Prefix  string `mapstructure:"prefix" validate:"required,startswith=/"`
	Limiter string `mapstructure:"limiter" validate:"required"`
}

// IsProduction reports whether the strict production profile is active
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Load reads configuration from defaults, an optional config.yaml and the
// environment, in increasing order of precedence. Callers are expected to have
// loaded any .env file beforehand.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()
	bindEnv(v)
	setBaseDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		configPaths = []string{".", "./config"}
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	env := strings.ToLower(strings.TrimSpace(v.GetString("environment")))
	if env == "" {
		env = EnvDevelopment
	}
	v.Set("environment", env)
	setEnvironmentDefaults(v, env)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("environment", "APP_ENV", "GO_ENV")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.host", "HOST")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("cors.allowed_origins", "CORS_ORIGIN")
	_ = v.BindEnv("rate_limit.enabled", "RATE_LIMIT_ENABLED")
	_ = v.BindEnv("rate_limit.fail_mode", "RATE_LIMIT_FAIL_MODE")
	_ = v.BindEnv("rate_limit.admin_ips", "ADMIN_IPS")
	_ = v.BindEnv("rate_limit.bypass_header.enabled", "BYPASS_RATE_LIMIT")
	_ = v.BindEnv("rate_limit.limiters.general.max_requests", "RATE_LIMIT_REQUESTS")
	_ = v.BindEnv("rate_limit.limiters.general.window", "RATE_LIMIT_WINDOW")
	_ = v.BindEnv("tracing.exporter", "OTEL_TRACES_EXPORTER")
	_ = v.BindEnv("tracing.service_name", "OTEL_SERVICE_NAME")
}

// normalize cleans comma-list values that arrive from the environment as
// "a, b" so that each entry is trimmed and blanks are dropped.
func (c *Config) normalize() {
	c.Server.TrustedProxies = cleanList(c.Server.TrustedProxies)
	c.CORS.AllowedOrigins = cleanList(c.CORS.AllowedOrigins)
	c.RateLimit.AdminIPs = cleanList(c.RateLimit.AdminIPs)
	c.RateLimit.SkipPaths = cleanList(c.RateLimit.SkipPaths)
	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
}

func cleanList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func setBaseDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 1)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", time.Second)

	v.SetDefault("jwt.cookie_name", "auth-token")
	v.SetDefault("jwt.ttl", 7*24*time.Hour)

	v.SetDefault("cors.max_age", 12*time.Hour)

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.service_name", "dreamjournal-api")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.fail_mode", string(ratelimit.FailOpen))
	v.SetDefault("rate_limit.store_timeout", 500*time.Millisecond)
	v.SetDefault("rate_limit.health_check_timeout", 2*time.Second)
	v.SetDefault("rate_limit.health_check_interval", 30*time.Second)
	v.SetDefault("rate_limit.skip_paths", []string{"/docs", "/health", "/ready", "/metrics", "/favicon.ico"})
	v.SetDefault("rate_limit.bypass_header.enabled", false)
	v.SetDefault("rate_limit.bypass_header.name", "X-Bypass-Rate-Limit")
	v.SetDefault("rate_limit.error_log_rate", 0)
	v.SetDefault("rate_limit.error_log_burst", 0)

	limiter := func(name string, max int, window time.Duration) {
		v.SetDefault("rate_limit.limiters."+name+".max_requests", max)
		v.SetDefault("rate_limit.limiters."+name+".window", window)
		v.SetDefault("rate_limit.limiters."+name+".namespace", "rl_"+name)
	}
	limiter("auth", 5, 15*time.Minute)
	limiter("public", 1000, time.Hour)
	limiter("upload", 10, time.Hour)
	limiter("premium", 10000, time.Hour)
	v.SetDefault("rate_limit.limiters.general.namespace", "rl_general")
}

// setEnvironmentDefaults applies the profile-dependent defaults. Production
// gets no store address or secret so that their absence stops the boot.
func setEnvironmentDefaults(v *viper.Viper, env string) {
	switch env {
	case EnvProduction:
		v.SetDefault("rate_limit.limiters.general.max_requests", 100)
		v.SetDefault("rate_limit.limiters.general.window", time.Minute)
	case EnvTest:
		v.SetDefault("rate_limit.limiters.general.max_requests", 10000)
		v.SetDefault("rate_limit.limiters.general.window", time.Second)
	default:
		v.SetDefault("log_level", "debug")
		v.SetDefault("tracing.exporter", "stdout")
		v.SetDefault("rate_limit.limiters.general.max_requests", 1000)
		v.SetDefault("rate_limit.limiters.general.window", time.Minute)
	}
	if env != EnvProduction {
		v.SetDefault("redis.address", "localhost:6379")
		v.SetDefault("jwt.secret", "development-only-secret-do-not-use-in-prod")
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and production requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.IsProduction() {
		if c.Redis.URL == "" && c.Redis.Address == "" {
			return fmt.Errorf("REDIS_URL or REDIS_ADDRESS: %w", ratelimit.ErrConfigurationMissing)
		}
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET: %w", ratelimit.ErrConfigurationMissing)
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("invalid configuration: JWT_SECRET must be at least 32 characters in production")
		}
	}

	if _, err := c.LimiterTable(); err != nil {
		return err
	}
	if _, err := c.SelectorConfig(); err != nil {
		return err
	}
	return nil
}

// LimiterTable converts the configured limiters into the registry table
func (c *Config) LimiterTable() (map[ratelimit.OperationClass]ratelimit.LimiterConfig, error) {
	table := make(map[ratelimit.OperationClass]ratelimit.LimiterConfig, len(c.RateLimit.Limiters))
	for name, entry := range c.RateLimit.Limiters {
		class, err := ratelimit.ParseOperationClass(name)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: rate_limit.limiters: %w", err)
		}
		table[class] = ratelimit.LimiterConfig{
			MaxRequests: entry.MaxRequests,
			Window:      entry.Window,
			Namespace:   entry.Namespace,
		}
	}
	if err := ratelimit.ValidateTable(table); err != nil {
		return nil, err
	}
	return table, nil
}

// SelectorConfig converts routing overrides, falling back to the stock table
// for any section left empty
func (c *Config) SelectorConfig() (ratelimit.SelectorConfig, error) {
	sc := ratelimit.DefaultSelectorConfig()

	if len(c.RateLimit.Endpoints) > 0 {
		sc.Endpoints = make([]ratelimit.PathRule, 0, len(c.RateLimit.Endpoints))
		for _, e := range c.RateLimit.Endpoints {
			class, err := ratelimit.ParseOperationClass(e.Limiter)
			if err != nil {
				return sc, fmt.Errorf("invalid configuration: rate_limit.endpoints[%s]: %w", e.Path, err)
			}
			sc.Endpoints = append(sc.Endpoints, ratelimit.PathRule{Path: e.Path, Class: class})
		}
	}
	if len(c.RateLimit.Prefixes) > 0 {
		sc.Prefixes = make([]ratelimit.PrefixRule, 0, len(c.RateLimit.Prefixes))
		for _, p := range c.RateLimit.Prefixes {
			class, err := ratelimit.ParseOperationClass(p.Limiter)
			if err != nil {
				return sc, fmt.Errorf("invalid configuration: rate_limit.prefixes[%s]: %w", p.Prefix, err)
			}
			sc.Prefixes = append(sc.Prefixes, ratelimit.PrefixRule{Prefix: p.Prefix, Class: class})
		}
	}
	if len(c.RateLimit.Tiers) > 0 {
		sc.Tiers = make(map[string]ratelimit.OperationClass, len(c.RateLimit.Tiers))
		for tier, name := range c.RateLimit.Tiers {
			class, err := ratelimit.ParseOperationClass(name)
			if err != nil {
				return sc, fmt.Errorf("invalid configuration: rate_limit.tiers[%s]: %w", tier, err)
			}
			sc.Tiers[tier] = class
		}
	}
	return sc, nil
}

// GateConfig returns the request gate settings
func (c *Config) GateConfig() ratelimit.GateConfig {
	rl := c.RateLimit
	return ratelimit.GateConfig{
		Enabled:             rl.Enabled,
		FailMode:            ratelimit.FailMode(rl.FailMode),
		StoreTimeout:        rl.StoreTimeout,
		SkipPaths:           rl.SkipPaths,
		AdminIPs:            rl.AdminIPs,
		BypassHeaderEnabled: rl.BypassHeader.Enabled,
		BypassHeader:        rl.BypassHeader.Name,
		EnableLogs:          rl.EnableLogs,
		ErrorLogRate:        rl.ErrorLogRate,
		ErrorLogBurst:       rl.ErrorLogBurst,
	}
}

// RedisClientOptions returns the counter store connection settings
func (c *Config) RedisClientOptions() ratelimit.ClientOptions {
	return ratelimit.ClientOptions{
		URL:          c.Redis.URL,
		Address:      c.Redis.Address,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		MinIdleConns: c.Redis.MinIdleConns,
		MaxRetries:   c.Redis.MaxRetries,
		DialTimeout:  c.Redis.DialTimeout,
		ReadTimeout:  c.Redis.ReadTimeout,
	}
}
