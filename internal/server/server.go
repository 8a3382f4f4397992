package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"content_recommend/internal/abtest"
	"content_recommend/internal/breaker"
	"content_recommend/internal/cache"
	"content_recommend/internal/effect"
	"content_recommend/internal/feedback"
	"content_recommend/internal/health"
	"content_recommend/internal/logger"
	"content_recommend/internal/recommend"
	"content_recommend/internal/workerpool"
)

const requestIDHeader = "X-Request-ID"

// Config HTTP 服务配置
type Config struct {
	Addr            string        `yaml:"addr"`
	Debug           bool          `yaml:"debug"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AdminToken 非空时 /admin 与实验管理写接口需要 Bearer Token
	AdminToken string `yaml:"admin_token"`
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

// Deps 路由依赖的服务
type Deps struct {
	Recommend   *recommend.Service
	Feedback    *feedback.Processor
	Experiments *abtest.Store
	Effect      *effect.Tracker
	Breakers    *breaker.Controller
	Monitor     *health.Monitor
	Cache       *cache.Cache
	RecallPool  *workerpool.Pool
}

// Server 代表 HTTP API 服务器
type Server struct {
	router *gin.Engine
	http   *http.Server
	cfg    Config
	deps   Deps
	log    logger.Logger
}

// NewServer 创建新的 HTTP 服务器
func NewServer(cfg Config, deps Deps, log logger.Logger) *Server {
	cfg.setDefaults()
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router: gin.New(),
		cfg:    cfg,
		deps:   deps,
		log:    log,
	}
	s.router.Use(s.recoveryMiddleware(), s.requestIDMiddleware(), s.loggerMiddleware(), s.corsMiddleware())
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler 返回路由，测试中直接使用
func (s *Server) Handler() http.Handler { return s.router }

// Run 启动服务器，阻塞直到 Shutdown
func (s *Server) Run() error {
	s.log.Info("starting http server", logger.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) setupRoutes() {
	rec := s.router.Group("/recommend")
	rec.GET("/content", s.handleContent)
	rec.POST("/batch", s.handleBatch)
	rec.POST("/feedback", s.handleFeedback)

	ab := s.router.Group("/abtest")
	ab.GET("/group", s.handleGroup)
	ab.GET("/experiments", s.handleListExperiments)
	ab.GET("/experiments/:id", s.handleGetExperiment)
	ab.GET("/experiments/:id/results", s.handleResults)
	ab.GET("/experiments/:id/statistical-test", s.handleStatisticalTest)
	ab.POST("/experiments/:id/metrics", s.handleRecordMetric)

	manage := ab.Group("/experiments", s.authMiddleware())
	manage.POST("", s.handleCreateExperiment)
	manage.POST("/:id/start", s.handleTransition((*abtest.Store).Start))
	manage.POST("/:id/pause", s.handleTransition((*abtest.Store).Pause))
	manage.POST("/:id/stop", s.handleTransition((*abtest.Store).Stop))

	s.router.GET("/recommendation-effect/metrics/realtime", s.handleRealtime)

	if s.deps.Monitor != nil {
		s.deps.Monitor.RegisterRoutes(s.router)
	} else {
		s.router.GET("/health/live", health.GinLivenessHandler())
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.router.Group("/admin", s.authMiddleware())
	admin.GET("/breakers", s.handleBreakers)
	admin.GET("/stats", s.handleStats)
	admin.GET("/tasks/:id", s.handleTask)
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic recovered",
					logger.Any("error", r),
					logger.String("path", c.Request.URL.Path),
					logger.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// requestIDMiddleware 透传或生成请求 ID
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		if path == "/metrics" || strings.HasPrefix(path, "/health") {
			return
		}
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", c.GetString("request_id")),
		}
		if len(c.Errors) > 0 {
			s.log.Warn("http request with errors", append(fields, logger.String("errors", c.Errors.String()))...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware 管理接口鉴权，未配置 token 时放行
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.Next()
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		if parts[1] != s.cfg.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
