package httpserver

import (
	"context"
	"net/http"
	"time"

	"crowdvault/internal/handler"
	"crowdvault/pkg/otel"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Router struct {
	Engine *gin.Engine
}

type Handlers struct {
	Project *handler.ProjectHandler
	Account *handler.AccountHandler
	// Admin 为 nil 时不注册 /admin 路由
	Admin *handler.AdminHandler
}

type Options struct {
	JWTSecret      string
	AdminSubjects  []string
	FaucetEnabled  bool
	RateLimitRPS   float64
	RateLimitBurst int
	// Ready 用于 /readyz，检查下游依赖
	Ready func(ctx context.Context) error
}

func NewRouter(h Handlers, opts Options, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		otel.GinMiddleware(),
		TraceMiddleware(),
		LoggingMiddleware(logger),
		MetricsMiddleware(),
	)

	// Probes
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/")
	api.Use(RateLimitMiddleware(opts.RateLimitRPS, opts.RateLimitBurst))

	// Public
	api.GET("/projects", h.Project.ListProjects)
	api.GET("/projects/:address", h.Project.GetProject)
	api.GET("/owners/:owner/project", h.Project.GetOwnerProject)
	api.GET("/accounts/:account/balance", h.Account.GetBalance)

	// Protected
	auth := api.Group("/")
	auth.Use(AuthMiddleware(opts.JWTSecret))
	{
		auth.POST("/projects", h.Project.CreateProject)
		auth.POST("/projects/:address/donations", h.Project.Donate)
		auth.POST("/projects/:address/milestones/:index/complete", h.Project.CompleteMilestone)
		auth.POST("/projects/:address/pause", h.Project.EmergencyPause)

		if opts.FaucetEnabled {
			auth.POST("/faucet", h.Account.Faucet)
		}
	}

	if h.Admin != nil {
		admin := auth.Group("/admin")
		admin.Use(AdminMiddleware(opts.AdminSubjects))
		{
			admin.POST("/outbox/replay", h.Admin.ReplayOutboxEvent)
			admin.POST("/outbox/replay-failed", h.Admin.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}
