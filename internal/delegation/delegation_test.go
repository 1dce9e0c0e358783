package delegation

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapp-shell/apk-harden-go/internal/loader"
)

type fakeInstance struct {
	name     string
	attached bool
	started  bool
	attachFn func() error
	startFn  func() error
}

func (a *fakeInstance) Attach(Host) error {
	a.attached = true
	if a.attachFn != nil {
		return a.attachFn()
	}
	return nil
}

func (a *fakeInstance) Start() error {
	a.started = true
	if a.startFn != nil {
		return a.startFn()
	}
	return nil
}

// 带可选能力的实例
type providerInstance struct {
	fakeInstance
	provided   bool
	provideErr error
}

func (a *providerInstance) ProvideWorkConfig() error {
	a.provided = true
	return a.provideErr
}

type fakeClass struct {
	instance AppInstance
	err      error
}

func (c fakeClass) Construct() (AppInstance, error) {
	return c.instance, c.err
}

type fakeResolver map[string]fakeClass

func (r fakeResolver) ResolveClass(name string) (AppClass, error) {
	class, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("class %s not found", name)
	}
	return class, nil
}

type fakeSlot struct {
	current AppInstance
	setErr  error
	sets    int
}

func (s *fakeSlot) Get() AppInstance { return s.current }

func (s *fakeSlot) Set(a AppInstance) error {
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.current = a
	return nil
}

type fakeHost struct {
	apiLevel int
	slots    []*fakeSlot
}

func (h *fakeHost) APILevel() int { return h.apiLevel }

func (h *fakeHost) ApplicationRecords() []RecordSlot {
	out := make([]RecordSlot, len(h.slots))
	for i, s := range h.slots {
		out[i] = s
	}
	return out
}

func newFakeHost(apiLevel int, stub AppInstance, slotCount int) *fakeHost {
	h := &fakeHost{apiLevel: apiLevel}
	for i := 0; i < slotCount; i++ {
		h.slots = append(h.slots, &fakeSlot{current: stub})
	}
	return h
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func TestDelegator_Run(t *testing.T) {
	stub := &fakeInstance{name: "stub"}
	original := &fakeInstance{name: "original"}
	host := newFakeHost(30, stub, 3)
	resolver := fakeResolver{"com.example.App": {instance: original}}

	got, err := NewDelegator(resolver, host, testLogger()).Run("com.example.App")
	require.NoError(t, err)
	assert.Same(t, original, got)
	assert.True(t, original.attached)
	assert.True(t, original.started)
	for _, slot := range host.slots {
		assert.Same(t, original, slot.current)
	}
}

func TestDelegator_UnknownClass(t *testing.T) {
	host := newFakeHost(30, &fakeInstance{}, 1)
	_, err := NewDelegator(fakeResolver{}, host, testLogger()).Run("com.example.Missing")
	require.ErrorIs(t, err, ErrOriginalAppConstructionFailed)
}

func TestDelegator_ConstructFailure(t *testing.T) {
	host := newFakeHost(30, &fakeInstance{}, 1)
	resolver := fakeResolver{"com.example.App": {err: errors.New("no default constructor")}}
	_, err := NewDelegator(resolver, host, testLogger()).Run("com.example.App")
	require.ErrorIs(t, err, ErrOriginalAppConstructionFailed)
}

func TestDelegator_AttachFailure(t *testing.T) {
	stub := &fakeInstance{}
	original := &fakeInstance{attachFn: func() error { return errors.New("base context rejected") }}
	host := newFakeHost(30, stub, 2)
	resolver := fakeResolver{"com.example.App": {instance: original}}

	_, err := NewDelegator(resolver, host, testLogger()).Run("com.example.App")
	require.ErrorIs(t, err, ErrOriginalAppConstructionFailed)
	// 附着失败时未进行任何替换
	for _, slot := range host.slots {
		assert.Same(t, AppInstance(stub), slot.current)
	}
	assert.False(t, original.started)
}

func TestDelegator_WorkConfigCapability(t *testing.T) {
	original := &providerInstance{}
	host := newFakeHost(30, &fakeInstance{}, 1)
	resolver := fakeResolver{"com.example.App": {instance: original}}

	_, err := NewDelegator(resolver, host, testLogger()).Run("com.example.App")
	require.NoError(t, err)
	assert.True(t, original.provided)
	assert.True(t, original.started)
}

// 任务调度配置是可选能力，补完失败不能挡住原应用启动
func TestDelegator_WorkConfigFailure(t *testing.T) {
	original := &providerInstance{provideErr: errors.New("scheduler misconfigured")}
	host := newFakeHost(30, &fakeInstance{}, 1)
	resolver := fakeResolver{"com.example.App": {instance: original}}

	instance, err := NewDelegator(resolver, host, testLogger()).Run("com.example.App")
	require.NoError(t, err)
	assert.Same(t, AppInstance(original), instance)
	assert.True(t, original.started)
}

func TestSelectSwapStrategy(t *testing.T) {
	s, err := SelectSwapStrategy(30)
	require.NoError(t, err)
	assert.Equal(t, "record-swap", s.Name())

	s, err = SelectSwapStrategy(19)
	require.NoError(t, err)
	assert.Equal(t, "legacy-record-swap", s.Name())

	_, err = SelectSwapStrategy(0)
	require.ErrorIs(t, err, loader.ErrUnsupportedPlatformCapability)
}

func TestSwap_RollbackOnPartialFailure(t *testing.T) {
	stub := &fakeInstance{name: "stub"}
	original := &fakeInstance{name: "original"}
	host := newFakeHost(30, stub, 4)
	host.slots[2].setErr = errors.New("record is sealed")

	strategy, err := SelectSwapStrategy(host.apiLevel)
	require.NoError(t, err)
	err = strategy.Swap(host, original)
	require.Error(t, err)

	// 失败后所有槽位回到壳实例，不存在半替换状态
	for i, slot := range host.slots {
		assert.Same(t, AppInstance(stub), slot.current, "slot %d", i)
	}
}

func TestForwardingFactory_DelegatesToOriginal(t *testing.T) {
	originalFactory := componentFactoryFunc(func(kind ComponentKind, className string) (interface{}, error) {
		return "original:" + string(kind) + ":" + className, nil
	})
	resolves := 0
	factory := NewForwardingFactory(func() (ComponentFactory, error) {
		resolves++
		return originalFactory, nil
	}, defaultInstantiator(t), testLogger())

	got, err := factory.Instantiate(ComponentActivity, "com.example.Main")
	require.NoError(t, err)
	assert.Equal(t, "original:activity:com.example.Main", got)

	_, err = factory.Instantiate(ComponentService, "com.example.Svc")
	require.NoError(t, err)
	// 原工厂只解析一次
	assert.Equal(t, 1, resolves)
}

func TestForwardingFactory_FallsBackWithoutOriginal(t *testing.T) {
	factory := NewForwardingFactory(func() (ComponentFactory, error) {
		return nil, nil
	}, defaultInstantiator(t), testLogger())

	got, err := factory.Instantiate(ComponentProvider, "com.example.Provider")
	require.NoError(t, err)
	assert.Equal(t, "default:provider:com.example.Provider", got)
}

func TestForwardingFactory_ResolveErrorUsesFallback(t *testing.T) {
	factory := NewForwardingFactory(func() (ComponentFactory, error) {
		return nil, errors.New("class not yet registered")
	}, defaultInstantiator(t), testLogger())

	got, err := factory.Instantiate(ComponentReceiver, "com.example.Receiver")
	require.NoError(t, err)
	assert.Equal(t, "default:receiver:com.example.Receiver", got)
}

type componentFactoryFunc func(ComponentKind, string) (interface{}, error)

func (f componentFactoryFunc) Instantiate(kind ComponentKind, className string) (interface{}, error) {
	return f(kind, className)
}

func defaultInstantiator(t *testing.T) Instantiator {
	t.Helper()
	return func(kind ComponentKind, className string) (interface{}, error) {
		return "default:" + string(kind) + ":" + className, nil
	}
}
