package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Aidin1998/dreamjournal-api/common/apiutil"
	apierrors "github.com/Aidin1998/dreamjournal-api/common/errors"
	"github.com/Aidin1998/dreamjournal-api/internal/auth"
	"github.com/Aidin1998/dreamjournal-api/internal/infrastructure/config"
	"github.com/Aidin1998/dreamjournal-api/internal/infrastructure/ratelimit"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Server represents the HTTP server
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	tokens   *auth.TokenService
	registry *ratelimit.Registry
	gate     *ratelimit.Gate
	admin    *ratelimit.AdminAPI
}

// NewServer creates a new HTTP server
func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	tokens *auth.TokenService,
	registry *ratelimit.Registry,
	gate *ratelimit.Gate,
) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		tokens:   tokens,
		registry: registry,
		gate:     gate,
		admin:    ratelimit.NewAdminAPI(registry, logger),
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	if err := router.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
		s.logger.Warn("invalid trusted proxies, falling back to none", zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}

	router.Use(apiutil.RequestIDMiddleware())
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.CustomRecoveryWithZap(s.logger, true, func(c *gin.Context, _ any) {
		apiutil.WriteProblem(c, apierrors.NewInternalError("An unexpected error occurred", c.Request.URL.Path))
		c.Abort()
	}))
	router.Use(otelgin.Middleware(s.cfg.Tracing.ServiceName))
	router.Use(apiutil.MetricsMiddleware())
	router.Use(cors.New(s.corsConfig()))

	// Identity must be resolved before the gate so tiers can apply
	router.Use(auth.Authenticate(s.tokens, s.cfg.JWT.CookieName, s.logger))
	router.Use(s.gate.Middleware())

	router.NoRoute(func(c *gin.Context) {
		apiutil.WriteProblem(c, apierrors.NewNotFoundError("Route not found", c.Request.URL.Path))
	})
	router.NoMethod(func(c *gin.Context) {
		apiutil.WriteProblem(c, apierrors.NewMethodNotAllowedError("Method not allowed", c.Request.URL.Path))
	})

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/editor-stuff", auth.RequireAuth(), auth.RequireRole(auth.RoleUser), s.handleEditorStuff)

	authGroup := router.Group("/auth")
	{
		authGroup.GET("/me", auth.RequireAuth(), s.handleMe)
		authGroup.POST("/logout", s.handleLogout)
	}

	api := router.Group("/api")
	{
		api.GET("/me", auth.RequireAuth(), s.handleMe)
		api.GET("/public/ping", s.handlePublicPing)
		api.POST("/upload", auth.RequireAuth(), s.handleUpload)
	}

	admin := router.Group("/admin/rate-limit", auth.RequireAuth(), auth.RequireRole(auth.RoleAdmin))
	s.admin.RegisterRoutes(admin)

	return router
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With", apiutil.HeaderRequestID},
		ExposeHeaders:    []string{ratelimit.HeaderLimit, ratelimit.HeaderRemaining, ratelimit.HeaderReset, ratelimit.HeaderResetTime, ratelimit.HeaderError, "Retry-After", apiutil.HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           s.cfg.CORS.MaxAge,
	}
	if s.cfg.IsProduction() && len(s.cfg.CORS.AllowedOrigins) > 0 {
		cfg.AllowOrigins = s.cfg.CORS.AllowedOrigins
	} else if s.cfg.IsProduction() {
		cfg.AllowOriginFunc = func(string) bool { return false }
	} else {
		cfg.AllowOriginFunc = func(string) bool { return true }
	}
	return cfg
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Dream Journal API is running"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RateLimit.HealthCheckTimeout)
	defer cancel()
	if !s.registry.Store().HealthCheck(ctx) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "store": "ok"})
}

func (s *Server) handleMe(c *gin.Context) {
	claims, _ := auth.ClaimsFromContext(c)
	c.JSON(http.StatusOK, gin.H{
		"userId": claims.UserID,
		"email":  claims.Email,
		"role":   claims.Role,
		"plan":   claims.Plan,
	})
}

func (s *Server) handleEditorStuff(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "You are an editor!"})
}

// handleLogout clears the session cookie. Tokens are stateless, so there is
// nothing to revoke server side.
func (s *Server) handleLogout(c *gin.Context) {
	if claims, ok := auth.ClaimsFromContext(c); ok {
		s.logger.Info("user logged out", zap.String("user_id", claims.UserID))
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cfg.JWT.CookieName, "", -1, "/", "", s.cfg.IsProduction(), true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (s *Server) handlePublicPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpload(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
