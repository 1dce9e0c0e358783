package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// JobMessage 队列中流转的加固任务。只带任务标识与输入路径，
// 打包参数以数据库记录为准
type JobMessage struct {
	JobID      string `json:"job_id"`
	APKName    string `json:"apk_name"`
	TargetPath string `json:"target_path"`
}

// Producer 任务消息生产者
type Producer struct {
	mq     *RabbitMQ
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq *RabbitMQ, logger *logrus.Logger) *Producer {
	return &Producer{mq: mq, logger: logger}
}

// PublishJob 发布加固任务消息
func (p *Producer) PublishJob(ctx context.Context, msg *JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("job_id", msg.JobID).Error("Failed to publish job")
		return fmt.Errorf("publish job: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"job_id":   msg.JobID,
		"apk_name": msg.APKName,
	}).Info("Job published to queue")

	return nil
}

// GetQueueSize 队列中待消费的消息数
func (p *Producer) GetQueueSize() (int, error) {
	messageCount, _, err := p.mq.GetQueueStats()
	if err != nil {
		return 0, fmt.Errorf("queue stats: %w", err)
	}
	return messageCount, nil
}
