package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig wires the router to the services it exposes.
type RouterConfig struct {
	AuthService *service.AuthService
	Guard       *service.Guard
	Logger      *zap.Logger
	Params      MessageParams

	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer

	// RequireFingerprintHeader rejects guarded requests without X-Client-Fingerprint.
	RequireFingerprintHeader bool
}

// SetupRouter sets up the Gin router
func SetupRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(RequestLogger(logger), gin.Recovery())

	handlers := NewAuthHandlers(cfg.AuthService, cfg.Params, logger)
	access := guardMiddleware(cfg.Guard.Access, cfg.RequireFingerprintHeader, logger)
	refresh := guardMiddleware(cfg.Guard.Refresh, cfg.RequireFingerprintHeader, logger)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")

	siwe := api.Group("/siwe")
	{
		siwe.POST("/nonce", handlers.Nonce)
		siwe.GET("/message-params", handlers.MessageParams)
		siwe.POST("/verify", handlers.Verify)
	}

	session := api.Group("/session")
	{
		session.GET("", access, handlers.Session)
		session.GET("/all", access, handlers.Sessions)
		session.POST("/refresh", refresh, handlers.Refresh)
		session.POST("/logout", refresh, handlers.Logout)
	}

	user := api.Group("/user", access)
	{
		user.GET("/me", handlers.Me)
		user.PATCH("/update", handlers.UpdateUser)
	}

	return router
}
