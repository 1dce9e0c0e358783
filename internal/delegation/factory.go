package delegation

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ComponentKind 工厂负责实例化的组件类别
type ComponentKind string

const (
	ComponentApplication ComponentKind = "application"
	ComponentActivity    ComponentKind = "activity"
	ComponentService     ComponentKind = "service"
	ComponentReceiver    ComponentKind = "receiver"
	ComponentProvider    ComponentKind = "provider"
)

// ComponentFactory 原应用声明的组件工厂
type ComponentFactory interface {
	Instantiate(kind ComponentKind, className string) (interface{}, error)
}

// Instantiator 平台默认实例化路径
type Instantiator func(kind ComponentKind, className string) (interface{}, error)

// ForwardingFactory 壳工厂。原应用声明了组件工厂时转发给它，
// 否则走平台默认实例化。原工厂按需惰性解析且只解析一次：
// 解析发生在代码注册之后，过早解析会找不到类。
type ForwardingFactory struct {
	resolve  func() (ComponentFactory, error)
	fallback Instantiator
	logger   *logrus.Entry

	once     sync.Once
	delegate ComponentFactory
}

// NewForwardingFactory 的 resolve 在原工厂未声明时应返回 (nil, nil)
func NewForwardingFactory(resolve func() (ComponentFactory, error), fallback Instantiator, logger *logrus.Logger) *ForwardingFactory {
	return &ForwardingFactory{
		resolve:  resolve,
		fallback: fallback,
		logger:   logger.WithField("component", "delegation"),
	}
}

func (f *ForwardingFactory) Instantiate(kind ComponentKind, className string) (interface{}, error) {
	f.once.Do(func() {
		delegate, err := f.resolve()
		if err != nil {
			f.logger.WithError(err).Warn("original component factory unavailable, using default instantiation")
			return
		}
		f.delegate = delegate
	})

	if f.delegate != nil {
		instance, err := f.delegate.Instantiate(kind, className)
		if err != nil {
			return nil, fmt.Errorf("original factory instantiate %s %s: %w", kind, className, err)
		}
		return instance, nil
	}
	return f.fallback(kind, className)
}
