package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// JobHandler 加固任务处理函数。返回 nil 时 Ack，返回错误时
// Nack 且不重回队列（重试由上层重新发布）
type JobHandler func(ctx context.Context, msg *JobMessage) error

// Consumer 任务消息消费者。workerPool 个协程共享同一个
// delivery 通道，重连后整体重启消费
type Consumer struct {
	mq         *RabbitMQ
	logger     *logrus.Logger
	handler    JobHandler
	workerPool int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	wg            sync.WaitGroup
	activeWorkers int32
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler JobHandler, workerPool int, logger *logrus.Logger) *Consumer {
	if workerPool <= 0 {
		workerPool = 1
	}
	return &Consumer{
		mq:         mq,
		logger:     logger,
		handler:    handler,
		workerPool: workerPool,
	}
}

// Start 打开消费流并启动 worker 协程，幂等
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("Consumer already running")
		return nil
	}
	c.running = true
	c.mu.Unlock()

	msgs, err := c.mq.Consume()
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for i := 0; i < c.workerPool; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}
	c.logger.Infof("Consumer started with %d workers", c.workerPool)

	c.mq.StartConnectionWatcher()
	go c.watchReconnect(ctx)

	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			c.logger.Debugf("Consumer worker %d stopped", id)
			return
		case delivery, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Consumer worker %d: delivery channel closed", id)
				return
			}
			c.handleDelivery(ctx, id, delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, workerID int, delivery amqp.Delivery) {
	start := time.Now()

	var msg JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Dropping malformed job message")
		delivery.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    msg.JobID,
		"apk_name":  msg.APKName,
	})
	log.Info("Processing pack job")

	if err := c.handler(ctx, &msg); err != nil {
		log.WithError(err).Error("Pack job failed")
		// 不重回队列：handler 已决定是否重新发布，requeue 会造成死循环
		delivery.Nack(false, false)
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration", time.Since(start).Seconds()).Info("Pack job finished")
}

// watchReconnect 连接断开后停掉所有 worker、重连、重启消费
func (c *Consumer) watchReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.mq.GetReconnectChan():
			if !ok {
				return
			}

			c.logger.Warn("Connection lost, restarting consumer...")
			c.stopWorkers()

			if err := c.mq.Reconnect(); err != nil {
				c.logger.WithError(err).Error("Reconnect failed, waiting for next signal")
				continue
			}

			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			if err := c.Start(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 取消并等待所有 worker，最多等 30 秒让在途任务收尾
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All consumer workers stopped")
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for consumer workers to stop")
	}
}

// Stop 停止消费者并等待 worker 退出
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Consumer stopped")
}

// GetActiveWorkers 当前活跃 worker 数
func (c *Consumer) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 消费者是否在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
