package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试间隔策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 间隔上限
	Strategy        Strategy
	Timeout         time.Duration // 所有尝试的总超时，0 表示不限
	Logger          *logrus.Logger
}

// DefaultConfig 默认配置：指数退避，3 次，总超时 5 分钟
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         5 * time.Minute,
		Logger:          logrus.New(),
	}
}

// RetryableError 错误自带的重试性标记
type RetryableError interface {
	error
	IsRetryable() bool
}

type taggedError struct {
	error
	retryable bool
}

func (e *taggedError) IsRetryable() bool { return e.retryable }

// NewRetryableError 标记为可重试
func NewRetryableError(err error) error {
	return &taggedError{error: err, retryable: true}
}

// NewNonRetryableError 标记为不可重试
func NewNonRetryableError(err error) error {
	return &taggedError{error: err, retryable: false}
}

// IsRetryable 判定错误是否值得重试。显式标记优先；
// 取消与超时不重试，其余默认重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var tagged RetryableError
	if errors.As(err, &tagged) {
		return tagged.IsRetryable()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Func 可重试的操作
type Func func(ctx context.Context) error

// Do 按配置执行 fn，直到成功、错误不可重试或尝试耗尽
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		start := time.Now()
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				config.Logger.WithFields(logrus.Fields{
					"attempt":  attempt,
					"duration": time.Since(start),
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		config.Logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     config.MaxAttempts,
			"error":   err.Error(),
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt >= config.MaxAttempts {
			break
		}

		wait := nextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", config.MaxAttempts, lastErr)
}

// nextInterval 第 attempt 次失败后的等待时间，封顶 max
func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default: // fixed
		next = initial
	}

	if next > max {
		next = max
	}
	return next
}
