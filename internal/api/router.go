// Package api provides the agent's local control API.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roam/roam-agent/internal/auth"
)

// Router wraps the Gin engine with the agent handlers.
type Router struct {
	engine   *gin.Engine
	handler  *Handler
	verifier TokenVerifier
	limiter  *RateLimiter
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewRouter creates the API router. limiter and gatherer may be nil.
func NewRouter(handler *Handler, verifier TokenVerifier, limiter *RateLimiter, gatherer prometheus.Gatherer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(LoggingMiddleware(logger))

	r := &Router{
		engine:   engine,
		handler:  handler,
		verifier: verifier,
		limiter:  limiter,
		gatherer: gatherer,
		logger:   logger,
	}

	r.setupRoutes()

	return r
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.handler.HealthCheck)
	if r.gatherer != nil {
		r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.engine.Group("/api/v1")
	if r.limiter != nil {
		v1.Use(RateLimitMiddleware(r.limiter))
	}
	v1.Use(AuthMiddleware(r.verifier))
	{
		read := requireScope(auth.ScopeRead)
		control := requireScope(auth.ScopeControl)

		v1.GET("/status", read, r.handler.Status)
		v1.GET("/hotspots", read, r.handler.Hotspots)
		v1.GET("/device", read, r.handler.Device)
		v1.GET("/durations", read, r.handler.DurationOptions)

		v1.POST("/connect", control, r.handler.Connect)
		v1.POST("/connect/ack", control, r.handler.AcknowledgeManual)
		v1.POST("/disconnect", control, r.handler.Disconnect)
		v1.POST("/extend", control, r.handler.Extend)
		v1.POST("/deeplink", control, r.handler.DeepLink)
		v1.GET("/wifi/qr.png", control, r.handler.WifiQR)
	}
}

// Engine returns the underlying Gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// corsMiddleware adds CORS headers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
