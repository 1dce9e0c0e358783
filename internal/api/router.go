package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kapp-shell/apk-harden-go/internal/api/handlers"
	"github.com/kapp-shell/apk-harden-go/internal/config"
	"github.com/kapp-shell/apk-harden-go/internal/middleware"
	"github.com/kapp-shell/apk-harden-go/internal/queue"
	"github.com/kapp-shell/apk-harden-go/internal/repository"
	"github.com/kapp-shell/apk-harden-go/internal/service"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func SetupRouter(cfg *config.Config, logger *logrus.Logger, db *gorm.DB, producer *queue.Producer, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics, progressHandler *handlers.ProgressHandler) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
	}

	// 初始化依赖
	jobRepo := repository.NewJobRepository(db, logger)
	jobService := service.NewJobService(jobRepo, logger)

	// 初始化处理器
	jobHandler := handlers.NewJobHandler(jobService, producer, logger)
	fileHandler := handlers.NewFileHandler(jobService, logger, cfg.InboxDir, cfg.OutDir)
	authHandler := handlers.NewAuthHandler(logger)
	// progressHandler 已在 main.go 中创建并挂接到 Orchestrator，直接使用

	// 任务进度 WebSocket
	r.GET("/ws/jobs/:job_id", progressHandler.HandleWebSocket)

	// 性能监控端点 (仅在非生产环境)
	if cfg.Server.Mode != "release" {
		middleware.RegisterPprof(r)
		logger.Info("pprof endpoints registered at /debug/pprof/*")
	}

	// 内存监控端点
	r.GET("/metrics", memMonitor.MetricsEndpoint())
	r.POST("/debug/gc", middleware.ForceGC())

	// Prometheus 指标端点
	if promMetrics != nil {
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}

	// API v1
	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"version": "1.0.0",
			})
		})

		// 登录接口（无需认证）
		v1.POST("/login", authHandler.Login)

		// Token 验证接口（无需认证，用于前端检查 token 有效性）
		v1.GET("/auth/validate", authHandler.ValidateToken)

		// 系统统计
		v1.GET("/stats", jobHandler.GetSystemStats)

		// 任务管理（只读）
		v1.GET("/jobs", jobHandler.ListJobs)
		v1.GET("/jobs/queued", jobHandler.ListQueuedJobs) // 获取所有排队任务（不分页），必须在 :id 之前
		v1.GET("/jobs/:id", jobHandler.GetJob)
		v1.GET("/jobs/:id/artifact", fileHandler.DownloadArtifact)

		// 变更类接口。配置了登录凭据时要求 Bearer token
		mutating := v1.Group("")
		if authHandler.Enabled() {
			mutating.Use(middleware.AuthMiddleware(authHandler.IsValidToken))
		}
		mutating.DELETE("/jobs/:id", jobHandler.DeleteJob)
		mutating.POST("/jobs/:id/stop", jobHandler.StopJob)
		mutating.POST("/jobs/:id/retry", jobHandler.RetryJob)
		mutating.POST("/upload", fileHandler.UploadAPK)            // 单个 APK 上传
		mutating.POST("/upload/batch", fileHandler.UploadAPKBatch) // 批量 APK 上传
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
