package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 连接或 channel 不可用
var ErrNotConnected = errors.New("rabbitmq: not connected")

// RabbitMQConfig 连接参数
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

func (c *RabbitMQConfig) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		c.User, c.Password, c.Host, c.Port, c.VHost)
}

// RabbitMQ 加固任务队列的连接管理。单队列单 channel，
// prefetch 与 worker 并发数一致，断连后通过 reconnect 信号驱动重建
type RabbitMQ struct {
	config        *RabbitMQConfig
	logger        *logrus.Logger
	queueName     string
	prefetchCount int
	maxRetries    int

	reconnect chan bool

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 创建客户端，prefetch 为 1（串行消费）
func NewRabbitMQ(config *RabbitMQConfig, queueName string, logger *logrus.Logger) (*RabbitMQ, error) {
	return NewRabbitMQWithPrefetch(config, queueName, 1, logger)
}

// NewRabbitMQWithPrefetch 创建客户端。prefetchCount 应与 worker
// 并发数一致，否则并行 worker 会空转等消息
func NewRabbitMQWithPrefetch(config *RabbitMQConfig, queueName string, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:        config,
		logger:        logger,
		queueName:     queueName,
		prefetchCount: prefetchCount,
		maxRetries:    10,
		reconnect:     make(chan bool, 10),
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// connect 拨号、开 channel、设 QoS、声明持久化队列
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.config.url(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set QoS: %w", err)
	}

	// 持久化队列：任务消息需要在 broker 重启后存活
	if _, err := ch.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", mq.queueName, err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = make(chan *amqp.Error, 1)
	mq.channelNotify = make(chan *amqp.Error, 1)
	conn.NotifyClose(mq.connNotify)
	ch.NotifyClose(mq.channelNotify)

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.queueName,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// StartConnectionWatcher 监听连接与 channel 的关闭事件，
// 异常关闭时发出重连信号。主动 Close 后退出
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			closed := mq.closed
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			if closed {
				mq.logger.Info("Connection watcher stopped: RabbitMQ client closed")
				return
			}

			var err *amqp.Error
			var ok bool
			select {
			case err, ok = <-connNotify:
			case err, ok = <-channelNotify:
			}

			if !ok && mq.isClosed() {
				return
			}
			if err != nil {
				mq.logger.WithError(err).Error("RabbitMQ connection lost")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}
			mq.triggerReconnect()
		}
	}()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// triggerReconnect 非阻塞投递重连信号，已有待处理信号时丢弃
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
	default:
	}
}

// Reconnect 重建连接，线性退避，最多 maxRetries 次
func (mq *RabbitMQ) Reconnect() error {
	mq.closeConnections()

	for attempt := 1; attempt <= mq.maxRetries; attempt++ {
		mq.logger.Infof("Reconnecting to RabbitMQ (attempt %d/%d)", attempt, mq.maxRetries)

		if err := mq.connect(); err != nil {
			mq.logger.WithError(err).Error("Reconnect failed")
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}

		mq.logger.Info("Reconnected to RabbitMQ")
		return nil
	}

	return fmt.Errorf("reconnect failed after %d attempts", mq.maxRetries)
}

// closeConnections 关闭底层连接但不置 closed 标志（供重连使用）
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, ErrNotConnected
	}
	return mq.channel, nil
}

// Publish 发布一条持久化的任务消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, "", mq.queueName, false, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		})
}

// Consume 打开手动确认的消费流
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return msgs, nil
}

// GetQueueStats 队列中的消息数与消费者数
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, 0, err
	}

	q, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// PurgeQueue 清空队列。服务启动时调用，数据库里的 queued
// 记录是唯一事实来源，残留消息一律丢弃
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}

	count, err := ch.QueuePurge(mq.queueName, false)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}

	mq.logger.WithFields(logrus.Fields{
		"queue":        mq.queueName,
		"purged_count": count,
	}).Info("Queue purged")

	return count, nil
}

// GetReconnectChan 重连信号通道，消费侧监听
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 连接是否可用
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 关闭客户端，幂等
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	if mq.closed {
		mq.mu.Unlock()
		return nil
	}
	mq.closed = true
	ch := mq.channel
	conn := mq.conn
	mq.channel = nil
	mq.conn = nil
	mq.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close channel")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close connection")
		}
	}

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
