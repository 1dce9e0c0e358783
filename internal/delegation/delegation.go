// Package delegation 把宿主生命周期从壳应用移交给解密后恢复的原应用。
// 原应用的类型在打包前并不存在于本代码中，全部通过名字解析与接口断言
// 访问，绝不静态引用。
package delegation

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrOriginalAppConstructionFailed 原应用无法解析或构造。致命：
	// 壳自身不具备任何业务行为，无法降级运行
	ErrOriginalAppConstructionFailed = errors.New("original application construction failed")
)

// AppClass 已加载代码中按名字解析出的应用类
type AppClass interface {
	Construct() (AppInstance, error)
}

// AppInstance 反射边界的最小面：附着宿主环境、执行启动回调
type AppInstance interface {
	Attach(host Host) error
	Start() error
}

// ClassResolver 从已注册代码中按全限定名解析类
type ClassResolver interface {
	ResolveClass(name string) (AppClass, error)
}

// WorkConfigProvider 任务调度子系统的配置提供者能力。原应用实现该
// 能力时，移交后补完其被推迟的初始化；未实现则跳过。
type WorkConfigProvider interface {
	ProvideWorkConfig() error
}

// Host 宿主侧状态。ApplicationRecords 返回平台持有的、当前指向壳
// 实例的全部引用槽位。
type Host interface {
	APILevel() int
	ApplicationRecords() []RecordSlot
}

// RecordSlot 平台记录中的单个应用实例引用
type RecordSlot interface {
	Get() AppInstance
	Set(AppInstance) error
}

// Delegator 执行一次完整的生命周期移交
type Delegator struct {
	resolver ClassResolver
	host     Host
	logger   *logrus.Entry
}

func NewDelegator(resolver ClassResolver, host Host, logger *logrus.Logger) *Delegator {
	return &Delegator{
		resolver: resolver,
		host:     host,
		logger:   logger.WithField("component", "delegation"),
	}
}

// Run 构造原应用、原子替换平台引用、探测可选能力，最后执行启动回调。
// 启动回调必须是最后一步：回调运行时所有平台引用已指向原实例。
func (d *Delegator) Run(appClassName string) (AppInstance, error) {
	class, err := d.resolver.ResolveClass(appClassName)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrOriginalAppConstructionFailed, appClassName, err)
	}
	original, err := class.Construct()
	if err != nil {
		return nil, fmt.Errorf("%w: construct %s: %v", ErrOriginalAppConstructionFailed, appClassName, err)
	}
	if err := original.Attach(d.host); err != nil {
		return nil, fmt.Errorf("%w: attach %s: %v", ErrOriginalAppConstructionFailed, appClassName, err)
	}

	strategy, err := SelectSwapStrategy(d.host.APILevel())
	if err != nil {
		return nil, err
	}
	d.logger.WithFields(logrus.Fields{
		"strategy":    strategy.Name(),
		"application": appClassName,
	}).Info("swapping platform application records")
	if err := strategy.Swap(d.host, original); err != nil {
		return nil, err
	}

	// 可选能力：补完失败只记日志，不中断移交，原应用仍需启动
	if provider, ok := original.(WorkConfigProvider); ok {
		if err := provider.ProvideWorkConfig(); err != nil {
			d.logger.WithError(err).Warn("deferred work config initialization failed, continuing without it")
		}
	} else {
		d.logger.Debug("original application provides no work config capability")
	}

	if err := original.Start(); err != nil {
		return nil, fmt.Errorf("original application startup: %w", err)
	}
	return original, nil
}
