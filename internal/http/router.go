package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/config"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/ingress"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/logger"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/service"
	"go.uber.org/zap"
)

// RateLimiter 简单的内存速率限制器
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int           // 最大请求数
	window   time.Duration // 时间窗口
	now      func() time.Time
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	// 清理过期请求
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware 速率限制中间件, 按租户所有者或 IP 计数
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(ownerKey)
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Provisioner creates tenants outside the payment flow.
type Provisioner interface {
	Provision(ctx context.Context, req models.ProvisionRequest) (*models.ProvisionResponse, error)
}

// Deps are the components served over HTTP.
type Deps struct {
	Webhooks    *ingress.Handler
	Tenants     *service.TenantService
	Provisioner Provisioner
	Store       repository.Store
	Metrics     *metrics.Metrics
	Log         *zap.Logger
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
	metrics *metrics.Metrics
	log     *zap.Logger

	userLimiter   *RateLimiter
	deleteLimiter *RateLimiter
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	router.Use(gin.Recovery())
	router.Use(logger.Middleware(log))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}

	s := &Server{
		router:  router,
		handler: NewHandler(deps.Webhooks, deps.Tenants, deps.Provisioner, deps.Store, log),
		cfg:     cfg,
		metrics: deps.Metrics,
		log:     log,
		// 每用户每分钟最多 60 次请求
		userLimiter: NewRateLimiter(60, time.Minute),
		// 删除请求: 每用户每小时最多 5 次
		deleteLimiter: NewRateLimiter(5, time.Hour),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handler.Health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// Payment provider webhooks, authenticated by signature
	s.router.POST("/webhooks/provider", s.handler.Webhook)

	// Tenant API - requires JWT authentication
	tenants := s.router.Group("/tenants")
	tenants.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	tenants.Use(RateLimitMiddleware(s.userLimiter))
	{
		tenants.GET("", s.handler.ListMyTenants)
		tenants.GET("/:id", s.handler.GetMyTenant)
		tenants.DELETE("/:id", RateLimitMiddleware(s.deleteLimiter), s.handler.DeleteMyTenant)
	}

	// Admin API
	admin := s.router.Group("/admin")
	admin.Use(AdminAuthMiddleware(s.cfg.Admin.APIKey))
	{
		admin.GET("/tenants", s.handler.ListTenants)
		admin.GET("/tenants/:id/status", s.handler.TenantStatus)
		admin.POST("/tenants/:id/suspend", s.handler.SuspendTenant)
		admin.POST("/tenants/:id/resume", s.handler.ResumeTenant)
		admin.POST("/tenants/:id/retry", s.handler.RetryTenant)
		admin.POST("/provision", s.handler.ProvisionTenant)
		admin.GET("/namespaces/:namespace", s.handler.TenantByNamespace)
	}
}

// Handler exposes the router for an http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}
