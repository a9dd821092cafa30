// Package ratelimit implements distributed request rate limiting backed by a
// shared counter store, with per-class limiters and a gin request gate.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Aidin1998/dreamjournal-api/common/apiutil"
	apierrors "github.com/Aidin1998/dreamjournal-api/common/errors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Response headers set by the gate.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderResetTime = "X-RateLimit-Reset-Time"
	HeaderError     = "X-RateLimit-Error"
	HeaderBypass    = "X-RateLimit-Bypass"
)

// Gin context keys populated by the gate.
const (
	ContextKeyClass      = "ratelimit.class"
	ContextKeyIdentifier = "ratelimit.identifier"
	ContextKeyDecision   = "ratelimit.decision"
)

const resetTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SubjectFunc resolves the authenticated subject of a request, if any.
// It lets the gate consume identity without importing the auth package.
type SubjectFunc func(c *gin.Context) (*Subject, bool)

// GateConfig controls the request gate.
type GateConfig struct {
	Enabled             bool
	FailMode            FailMode
	StoreTimeout        time.Duration
	SkipPaths           []string
	AdminIPs            []string
	BypassHeaderEnabled bool
	BypassHeader        string
	EnableLogs          bool
	// ErrorLogRate limits store-error log lines per second; 0 logs every error.
	ErrorLogRate  float64
	ErrorLogBurst int
}

// LimitExceededResponse is the 429 body.
type LimitExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
	Limit      uint   `json:"limit"`
	Remaining  uint   `json:"remaining"`
}

// Gate is the per-request rate limit hook.
type Gate struct {
	registry *Registry
	selector *Selector
	subject  SubjectFunc
	cfg      GateConfig
	adminIPs map[string]struct{}
	errLog   *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate wires the registry and selector into a gate. A nil subject func
// treats every request as anonymous.
func NewGate(registry *Registry, selector *Selector, subject SubjectFunc, cfg GateConfig, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == nil {
		subject = func(*gin.Context) (*Subject, bool) { return nil, false }
	}
	if cfg.FailMode == "" {
		cfg.FailMode = FailOpen
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 500 * time.Millisecond
	}
	g := &Gate{
		registry: registry,
		selector: selector,
		subject:  subject,
		cfg:      cfg,
		adminIPs: make(map[string]struct{}, len(cfg.AdminIPs)),
		logger:   logger.Named("ratelimit"),
		now:      time.Now,
	}
	for _, ip := range cfg.AdminIPs {
		if ip != "" {
			g.adminIPs[ip] = struct{}{}
		}
	}
	if cfg.ErrorLogRate > 0 {
		burst := cfg.ErrorLogBurst
		if burst <= 0 {
			burst = 1
		}
		g.errLog = rate.NewLimiter(rate.Limit(cfg.ErrorLogRate), burst)
	}
	return g
}

// Middleware returns the gin handler enforcing rate limits.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.cfg.Enabled {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		if c.Request.Method == http.MethodOptions || matchesPrefix(path, g.cfg.SkipPaths) {
			c.Set(ContextKeyDecision, DecisionBypassed)
			c.Next()
			return
		}

		if g.trustedBypass(c) {
			c.Set(ContextKeyDecision, DecisionBypassed)
			c.Header(HeaderBypass, "true")
			recordDecision(ClassGeneral, DecisionBypassed, ReasonDefault)
			c.Next()
			return
		}

		subject, _ := g.subject(c)
		identifier := BuildIdentifier(subject, c.ClientIP(), c.GetHeader("User-Agent"))
		class, reason := g.selector.Select(RequestInfo{Path: path, Subject: subject})
		limiter := g.registry.Get(class)

		c.Set(ContextKeyClass, class)
		c.Set(ContextKeyIdentifier, identifier)

		// The store call outlives a disconnecting client so the count stays
		// accurate; only the timeout can cut it short.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), g.cfg.StoreTimeout)
		res, err := limiter.Limit(ctx, identifier)
		cancel()

		if c.Request.Context().Err() != nil {
			c.Abort()
			return
		}

		if err != nil {
			g.handleStoreError(c, class, reason, identifier, err)
			return
		}

		now := g.now()
		setLimitHeaders(c, res)

		if err := res.Err(); err != nil {
			recordDecision(class, DecisionDenied, reason)
			c.Set(ContextKeyDecision, DecisionDenied)
			retryAfter := res.RetryAfter(now)
			g.logger.Warn("rate limit exceeded",
				zap.String("identifier", identifier),
				zap.String("limiter", class.String()),
				zap.String("reason", string(reason)),
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Uint("limit", res.Limit),
				zap.Time("reset", res.Reset),
			)
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, LimitExceededResponse{
				Error:      "Too many requests",
				Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retryAfter),
				RetryAfter: retryAfter,
				Limit:      res.Limit,
				Remaining:  0,
			})
			return
		}

		recordDecision(class, DecisionAllowed, reason)
		c.Set(ContextKeyDecision, DecisionAllowed)
		if g.cfg.EnableLogs {
			g.logger.Debug("rate limit passed",
				zap.String("identifier", identifier),
				zap.String("limiter", class.String()),
				zap.String("reason", string(reason)),
				zap.Uint("remaining", res.Remaining),
				zap.Uint("limit", res.Limit),
			)
		}
		c.Next()
	}
}

func (g *Gate) trustedBypass(c *gin.Context) bool {
	if len(g.adminIPs) > 0 {
		if _, ok := g.adminIPs[c.ClientIP()]; ok {
			return true
		}
	}
	if g.cfg.BypassHeaderEnabled && g.cfg.BypassHeader != "" {
		if v, err := strconv.ParseBool(c.GetHeader(g.cfg.BypassHeader)); err == nil && v {
			return true
		}
	}
	return false
}

func (g *Gate) handleStoreError(c *gin.Context, class OperationClass, reason Reason, identifier string, err error) {
	recordDecision(class, DecisionErrored, reason)
	c.Set(ContextKeyDecision, DecisionErrored)

	if g.errLog == nil || g.errLog.Allow() {
		g.logger.Error("rate limit store error",
			zap.Error(err),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("identifier", identifier),
			zap.String("ip", c.ClientIP()),
			zap.String("limiter", class.String()),
			zap.String("fail_mode", string(g.cfg.FailMode)),
			zap.String("request_id", c.GetString(apiutil.ContextKeyRequestID)),
			zap.String("trace_id", traceID(c.Request.Context())),
		)
	} else {
		suppressedErrorLogs.Inc()
	}

	c.Header(HeaderError, "true")
	if g.cfg.FailMode == FailClosed {
		apiutil.WriteProblem(c, apierrors.NewServiceUnavailableError(
			"Rate limiting is temporarily unavailable", c.Request.URL.Path))
		c.Abort()
		return
	}
	c.Next()
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func setLimitHeaders(c *gin.Context, res Result) {
	remaining := res.Remaining
	if !res.Success {
		remaining = 0
	}
	c.Header(HeaderLimit, strconv.FormatUint(uint64(res.Limit), 10))
	c.Header(HeaderRemaining, strconv.FormatUint(uint64(remaining), 10))
	c.Header(HeaderReset, strconv.FormatInt(res.Reset.UnixMilli(), 10))
	c.Header(HeaderResetTime, res.Reset.UTC().Format(resetTimeLayout))
}
