package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kapp-shell/apk-harden-go/internal/api"
	"github.com/kapp-shell/apk-harden-go/internal/api/handlers"
	"github.com/kapp-shell/apk-harden-go/internal/config"
	"github.com/kapp-shell/apk-harden-go/internal/middleware"
	"github.com/kapp-shell/apk-harden-go/internal/queue"
	"github.com/kapp-shell/apk-harden-go/internal/repository"
	"github.com/kapp-shell/apk-harden-go/internal/service"
	"github.com/kapp-shell/apk-harden-go/internal/watcher"
	"github.com/kapp-shell/apk-harden-go/internal/worker"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("APK Harden Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Harden Service %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	// 清理因服务重启而中断的任务
	if err := cleanupStuckJobs(db, logger); err != nil {
		logger.WithError(err).Warn("Failed to cleanup stuck jobs")
	}

	// 确保工作目录存在
	for _, dir := range []string{cfg.InboxDir, cfg.OutDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	// 5. 初始化 RabbitMQ
	// 使用 NewRabbitMQWithPrefetch，prefetch count = worker concurrency，以支持并行消费
	mqConfig := &queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}
	workerCount := cfg.Worker.Concurrency
	if workerCount <= 0 {
		workerCount = 1
	}
	mq, err := queue.NewRabbitMQWithPrefetch(mqConfig, cfg.RabbitMQ.Queue, workerCount, logger)
	if err != nil {
		logger.Fatalf("Failed to init RabbitMQ: %v", err)
	}
	defer mq.Close()
	logger.WithField("prefetch_count", workerCount).Info("RabbitMQ connected successfully")

	// 6. 初始化 Services
	jobRepo := repository.NewJobRepository(db, logger)
	jobService := service.NewJobService(jobRepo, logger)

	// 7. 初始化进度推送处理器（WebSocket 实时展示加固进度）
	// 必须在 Orchestrator 初始化之前创建
	progressHandler := handlers.NewProgressHandler(logger)
	progressHandler.Start()
	logger.Info("Progress handler started for real-time job updates")

	// 8. 初始化核心编排器 (Orchestrator)
	orchestrator := worker.NewOrchestrator(jobRepo, cfg, logger)
	orchestrator.SetProgressBroadcaster(progressHandler)
	logger.Info("Orchestrator initialized")

	// 9. 初始化 Prometheus 指标并挂接到编排器
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_harden")
	orchestrator.SetMetricsRecorder(promMetrics)

	// 10. 初始化 Worker Pool
	workerPool := worker.NewPool(workerCount, cfg.Worker.QueueSize, orchestrator, logger)
	workerPool.Start(context.Background())
	defer workerPool.Stop()
	logger.Infof("Worker pool started with %d workers", workerCount)

	// 11. 启动内存监控
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second)
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	// 启动 Prometheus 指标更新协程
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			// 更新内存统计
			stats := memMonitor.GetStats()
			promMetrics.UpdateMemoryStats(stats)

			// 更新数据库连接统计
			sqlDB, _ := db.DB()
			dbStats := sqlDB.Stats()
			promMetrics.UpdateDBStats(dbStats.OpenConnections, dbStats.Idle, dbStats.InUse)

			// 更新 Worker Pool 统计
			promMetrics.UpdateWorkerPoolStats(workerCount, workerPool.GetQueueSize())
		}
	}()

	// 12. 初始化消息队列 Producer
	producer := queue.NewProducer(mq, logger)

	// 12.1 重新发布排队中的任务（服务重启后以数据库为准重建队列）
	if err := republishQueuedJobs(db, mq, producer, cfg.InboxDir, logger); err != nil {
		logger.WithError(err).Warn("Failed to republish queued jobs")
	}

	// 13. 启动任务消费者 (从 RabbitMQ 读取任务并提交到 Worker Pool)
	consumer := queue.NewConsumer(mq, createJobHandler(workerPool, producer, logger), workerCount, logger)
	if err := consumer.Start(context.Background()); err != nil {
		logger.Fatalf("Failed to start consumer: %v", err)
	}
	defer consumer.Stop()
	logger.Infof("Job consumer started with %d workers", workerCount)

	// 14. 启动文件监控
	if cfg.Watcher.Enabled {
		debounce := time.Duration(cfg.Watcher.DebounceSeconds) * time.Second
		fileWatcher, err := watcher.NewFileWatcher(cfg.InboxDir, "*.apk", debounce, createFileHandler(jobService, producer, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.InboxDir)
	} else {
		logger.Info("File watcher disabled, jobs are created via upload API only")
	}

	// 15. 设置 HTTP Server
	router := api.SetupRouter(cfg, logger, db, producer, memMonitor, promMetrics, progressHandler)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 10分钟，支持大文件上传
		WriteTimeout: 5 * time.Minute,  // 5分钟，支持大文件下载
		IdleTimeout:  120 * time.Second,
	}

	// 16. 启动 HTTP Server
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 17. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 18. 优雅关闭 (30秒超时)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止 HTTP Server
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	// 关闭数据库连接
	sqlDB, _ := db.DB()
	sqlDB.Close()

	logger.Info("Server stopped")
}

// createJobHandler 创建任务处理器 (从 RabbitMQ 消息提交到 Worker Pool)
// producer 用于在任务需要重试时重新发布消息
func createJobHandler(workerPool *worker.Pool, producer *queue.Producer, logger *logrus.Logger) queue.JobHandler {
	return func(ctx context.Context, msg *queue.JobMessage) error {
		logger.WithFields(logrus.Fields{
			"job_id":      msg.JobID,
			"apk_name":    msg.APKName,
			"target_path": msg.TargetPath,
		}).Info("Received job from RabbitMQ, submitting to worker pool")

		// 提交任务到 Worker Pool（同步等待任务完成）
		job := &worker.Job{
			ID:         msg.JobID,
			TargetPath: msg.TargetPath,
		}

		if err := workerPool.SubmitAndWait(ctx, job); err != nil {
			// 检查是否为可重试错误
			if retryErr, ok := worker.IsRetryableError(err); ok {
				logger.WithFields(logrus.Fields{
					"job_id":      retryErr.JobID,
					"retry_count": retryErr.RetryCount,
					"max_retry":   retryErr.MaxRetry,
				}).Warn("Job failed, republishing to RabbitMQ for retry...")

				// 重新发布到 RabbitMQ
				retryMsg := &queue.JobMessage{
					JobID:      retryErr.JobID,
					APKName:    msg.APKName,
					TargetPath: retryErr.TargetPath,
				}
				if pubErr := producer.PublishJob(ctx, retryMsg); pubErr != nil {
					logger.WithError(pubErr).WithField("job_id", retryErr.JobID).Error("Failed to republish job for retry")
					return pubErr
				}
				logger.WithField("job_id", retryErr.JobID).Info("Job republished to RabbitMQ for retry")
				return nil // 重试已安排，不返回错误
			}

			logger.WithError(err).Error("Job execution failed")
			return err
		}

		logger.WithField("job_id", msg.JobID).Info("Job completed successfully")
		return nil
	}
}

// createFileHandler 创建文件处理器
func createFileHandler(jobService service.JobService, producer *queue.Producer, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		fileName := filepath.Base(filePath)
		logger.WithFields(logrus.Fields{
			"file_path": filePath,
			"file_name": fileName,
		}).Info("New APK file detected")

		// 1. 创建任务
		job, err := jobService.CreateJob(ctx, fileName, filePath, nil)
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		// 2. 发布到消息队列
		msg := &queue.JobMessage{
			JobID:      job.ID,
			APKName:    fileName,
			TargetPath: filePath,
		}

		if err := producer.PublishJob(ctx, msg); err != nil {
			return fmt.Errorf("failed to publish job: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"apk_name": fileName,
		}).Info("Job created and published to queue")

		return nil
	}
}

// cleanupStuckJobs 清理因服务重启而中断的任务
// 将所有执行中状态的任务标记为 failed
// 注意：queued 状态的任务不需要清理，它们会被重新发布到队列
func cleanupStuckJobs(db *gorm.DB, logger *logrus.Logger) error {
	logger.Info("Checking for stuck jobs from previous service run...")

	// 只清理正在执行的任务，queued 状态的任务由 republishQueuedJobs 处理
	stuckStatuses := []string{"parsing", "encrypting", "repacking", "signing"}

	var stuckJobs []struct {
		ID     string
		Status string
	}

	err := db.Table("pack_jobs").
		Select("id", "status").
		Where("status IN ?", stuckStatuses).
		Find(&stuckJobs).Error

	if err != nil {
		return fmt.Errorf("failed to query stuck jobs: %w", err)
	}

	if len(stuckJobs) == 0 {
		logger.Info("No stuck jobs found (queued jobs will continue)")
		return nil
	}

	logger.Infof("Found %d stuck jobs, marking as failed...", len(stuckJobs))

	now := time.Now().UTC()
	result := db.Table("pack_jobs").
		Where("status IN ?", stuckStatuses).
		Updates(map[string]interface{}{
			"status":        "failed",
			"failure_type":  "unknown",
			"error_message": "服务重启，任务中断",
			"completed_at":  now,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update stuck jobs: %w", result.Error)
	}

	logger.WithField("count", result.RowsAffected).Warn("Marked stuck jobs as failed due to service restart (queued jobs preserved)")

	return nil
}

// republishQueuedJobs 重新发布排队中的任务到 RabbitMQ
// 服务重启后，以数据库为唯一真实数据源，重建 RabbitMQ 队列
// 步骤：1. 清空队列中的残留消息  2. 从数据库查询 queued 任务  3. 重新投递
func republishQueuedJobs(db *gorm.DB, mq *queue.RabbitMQ, producer *queue.Producer, inboxDir string, logger *logrus.Logger) error {
	logger.Info("Rebuilding RabbitMQ queue from database (single source of truth)...")

	// 1. 先清空队列，确保没有残留的重复/过期消息
	purgedCount, err := mq.PurgeQueue()
	if err != nil {
		logger.WithError(err).Warn("Failed to purge queue, continuing with republish...")
	} else if purgedCount > 0 {
		logger.WithField("purged_count", purgedCount).Info("Cleared stale messages from queue")
	}

	// 2. 查找所有 queued 状态的任务
	var queuedJobs []struct {
		ID         string
		APKName    string
		TargetPath string
	}

	err = db.Table("pack_jobs").
		Select("id", "apk_name", "target_path").
		Where("status = ?", "queued").
		Order("created_at ASC"). // 按创建时间排序，先进先出
		Find(&queuedJobs).Error

	if err != nil {
		return fmt.Errorf("failed to query queued jobs: %w", err)
	}

	if len(queuedJobs) == 0 {
		logger.Info("No queued jobs found, queue is empty and clean")
		return nil
	}

	logger.Infof("Found %d queued jobs in database, republishing to RabbitMQ...", len(queuedJobs))

	// 重新发布每个任务
	successCount := 0
	for _, job := range queuedJobs {
		targetPath := job.TargetPath
		if targetPath == "" {
			// 旧记录可能缺少路径，从 inbox 目录和文件名重建
			targetPath = filepath.Join(inboxDir, job.APKName)
		}

		msg := &queue.JobMessage{
			JobID:      job.ID,
			APKName:    job.APKName,
			TargetPath: targetPath,
		}

		if err := producer.PublishJob(context.Background(), msg); err != nil {
			logger.WithError(err).WithField("job_id", job.ID).Error("Failed to republish job")
			continue
		}

		successCount++
		logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"apk_name": job.APKName,
		}).Debug("Job republished to queue")
	}

	logger.WithFields(logrus.Fields{
		"total":   len(queuedJobs),
		"success": successCount,
		"failed":  len(queuedJobs) - successCount,
	}).Info("Queued jobs republished to RabbitMQ")

	return nil
}
