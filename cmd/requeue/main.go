package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/kapp-shell/apk-harden-go/internal/config"
	"github.com/kapp-shell/apk-harden-go/internal/domain"
	"github.com/kapp-shell/apk-harden-go/internal/queue"
	"github.com/kapp-shell/apk-harden-go/internal/repository"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 运维工具：将失败的加固任务批量重置并重新入队
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	mqConfig := &queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}

	mq, err := queue.NewRabbitMQ(mqConfig, cfg.RabbitMQ.Queue, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	producer := queue.NewProducer(mq, logger)

	// 查询所有失败的任务
	var failedJobs []domain.PackJob
	result := db.Where("status = ?", domain.JobStatusFailed).Find(&failedJobs)
	if result.Error != nil {
		log.Fatalf("Failed to query failed jobs: %v", result.Error)
	}

	fmt.Printf("找到 %d 个失败任务\n", len(failedJobs))

	// 重置并重新入队
	successCount := 0
	for i, job := range failedJobs {
		updates := map[string]interface{}{
			"status":           domain.JobStatusQueued,
			"failure_type":     "",
			"error_message":    "",
			"current_step":     "重新入队等待执行...",
			"progress_percent": 0,
			"started_at":       nil,
			"completed_at":     nil,
			"retry_count":      gorm.Expr("retry_count + 1"),
		}

		if err := db.Model(&domain.PackJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
			log.Printf("Failed to reset job %s: %v", job.ID, err)
			continue
		}

		msg := &queue.JobMessage{
			JobID:      job.ID,
			APKName:    job.APKName,
			TargetPath: job.TargetPath,
		}

		if err := producer.PublishJob(context.Background(), msg); err != nil {
			log.Printf("Failed to publish job %s: %v", job.ID, err)
			continue
		}

		successCount++
		if (i+1)%100 == 0 {
			fmt.Printf("进度: %d/%d\n", i+1, len(failedJobs))
		}
	}

	fmt.Printf("\n成功重新入队 %d/%d 个任务\n", successCount, len(failedJobs))
}
