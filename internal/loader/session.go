package loader

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kapp-shell/apk-harden-go/internal/bundle"
	"github.com/kapp-shell/apk-harden-go/internal/crypto"
	"github.com/kapp-shell/apk-harden-go/internal/packer"
	"github.com/kapp-shell/apk-harden-go/internal/payload"
)

// State 运行期加载会话状态。状态只能沿固定顺序前进，
// 任何一步失败进入 StateFailed 且不再前进。
type State int

const (
	StateInit State = iota
	StateKeyResolved
	StateStrategySelected
	StateCodeLoaded
	StateNativeReady
	StateDelegated
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateKeyResolved:
		return "key-resolved"
	case StateStrategySelected:
		return "strategy-selected"
	case StateCodeLoaded:
		return "code-loaded"
	case StateNativeReady:
		return "native-ready"
	case StateDelegated:
		return "delegated"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session 一次运行期加载会话：解密容器、按策略注入代码、
// 准备 Native 库缓存，最后把生命周期委托给原应用。
// 引导只执行一次，并发触发共享同一次结果。
type Session struct {
	platform  Platform
	registrar CodeRegistrar
	keys      crypto.KeyStrategy
	logger    *logrus.Entry
	antiDebug AntiDebugPolicy
	tracerPID func() (int, error)

	once    sync.Once
	bootErr error

	mu       sync.Mutex
	state    State
	failure  error
	strategy Strategy
	key      []byte
	reader   *payload.Reader
	libs     *NativeLibCache

	// 从宿主清单恢复的委托目标
	OriginalApplication string
	OriginalFactory     string
}

// Option 会话可选配置
type Option func(*Session)

// WithAntiDebug 设置调试探测策略，默认 AntiDebugIgnore
func WithAntiDebug(policy AntiDebugPolicy) Option {
	return func(s *Session) { s.antiDebug = policy }
}

// withTracerProbe 测试替换 TracerPid 探测
func withTracerProbe(fn func() (int, error)) Option {
	return func(s *Session) { s.tracerPID = fn }
}

func NewSession(platform Platform, registrar CodeRegistrar, keys crypto.KeyStrategy, logger *logrus.Logger, opts ...Option) *Session {
	s := &Session{
		platform:  platform,
		registrar: registrar,
		keys:      keys,
		logger:    logger.WithField("component", "loader"),
		tracerPID: TracerPID,
		state:     StateInit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State 当前会话状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure 失败原因，仅在 StateFailed 时非 nil
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Strategy 已选择的加载策略
func (s *Session) Strategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// NativeLibs 就绪后的 Native 库缓存，未就绪返回 nil
func (s *Session) NativeLibs() *NativeLibCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.libs
}

func (s *Session) advance(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
	s.logger.WithField("state", to.String()).Debug("session state advanced")
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failure = err
	s.mu.Unlock()
	s.logger.WithError(err).Error("session failed")
	return err
}

// Bootstrap 执行 INIT 到 NATIVE_READY 的全部步骤。幂等：
// 重复调用（含并发）只执行一次，共享首次的结果。
func (s *Session) Bootstrap() error {
	s.once.Do(func() {
		s.bootErr = s.bootstrap()
	})
	return s.bootErr
}

func (s *Session) bootstrap() error {
	if err := s.checkDebugger(); err != nil {
		return s.fail(err)
	}

	payloadData, material, err := s.readPackageAssets()
	if err != nil {
		return s.fail(err)
	}

	key, err := s.keys.Resolve(material)
	if err != nil {
		return s.fail(fmt.Errorf("resolve protection key: %w", err))
	}
	s.key = key
	s.advance(StateKeyResolved)

	strategy, err := SelectStrategy(s.platform.APILevel())
	if err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
	s.advance(StateStrategySelected)
	s.logger.WithFields(logrus.Fields{
		"strategy":  strategy.String(),
		"api_level": s.platform.APILevel(),
	}).Info("load strategy selected")

	reader, err := payload.NewReader(bytes.NewReader(payloadData), int64(len(payloadData)))
	if err != nil {
		return s.fail(fmt.Errorf("open payload container: %w", err))
	}
	s.reader = reader

	nativeDir := filepath.Join(s.platform.PrivateDir(), "kapp_native")
	if err := s.loadCode(strategy, nativeDir); err != nil {
		return s.fail(err)
	}
	s.advance(StateCodeLoaded)

	libs, err := NewNativeLibCache(nativeDir, s.platform.ABI(), s.key, reader, s.logger)
	if err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	s.libs = libs
	s.mu.Unlock()
	s.advance(StateNativeReady)

	s.OriginalApplication = s.platform.MetaData(bundle.MetaKeyOriginalApplication)
	if s.OriginalApplication == "" {
		s.OriginalApplication = bundle.DefaultApplicationClass
	}
	s.OriginalFactory = s.platform.MetaData(bundle.MetaKeyOriginalFactory)
	return nil
}

// Delegate 在 NATIVE_READY 之后执行委托回调，成功进入 RUNNING
func (s *Session) Delegate(fn func() error) error {
	if st := s.State(); st != StateNativeReady {
		return fmt.Errorf("delegate from state %s", st)
	}
	s.advance(StateDelegated)
	if err := fn(); err != nil {
		return s.fail(fmt.Errorf("delegate lifecycle: %w", err))
	}
	s.advance(StateRunning)
	return nil
}

func (s *Session) checkDebugger() error {
	if s.antiDebug == AntiDebugIgnore {
		return nil
	}
	pid, err := s.tracerPID()
	if err != nil {
		// 探测自身失败不算发现调试器
		s.logger.WithError(err).Warn("debugger probe failed")
		return nil
	}
	if pid == 0 {
		return nil
	}
	if s.antiDebug == AntiDebugAbort {
		return fmt.Errorf("debugger attached (tracer pid %d)", pid)
	}
	s.logger.WithField("tracer_pid", pid).Warn("debugger attached")
	return nil
}

// readPackageAssets 从加固包 zip 中取出容器与引导材料
func (s *Session) readPackageAssets() (payloadData, material []byte, err error) {
	zr, err := zip.OpenReader(s.platform.PackagePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open package: %w", err)
	}
	defer zr.Close()

	payloadData, err = readZipFile(&zr.Reader, payload.AssetPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", payload.ErrPayloadCorrupt, err)
	}
	material, err = readZipFile(&zr.Reader, packer.BootstrapAssetPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", crypto.ErrKeyUnavailable, err)
	}
	return payloadData, material, nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("entry %s not found", name)
}

// loadCode 解密全部代码单元后一次性注册。任何条目解密失败
// 整体失败，绝不部分注册。
func (s *Session) loadCode(strategy Strategy, nativeDir string) error {
	entries := s.reader.CodeEntries()
	units := make([][]byte, len(entries))
	for i, info := range entries {
		data, err := s.reader.Open(s.key, info)
		if err != nil {
			return fmt.Errorf("decrypt code unit %s: %w", info.Path, err)
		}
		units[i] = data
	}

	switch strategy {
	case StrategyInMemory:
		if err := s.registrar.RegisterFromMemory(units, nativeDir); err != nil {
			return fmt.Errorf("register code from memory: %w", err)
		}
	case StrategyFileBased:
		codeDir := filepath.Join(s.platform.PrivateDir(), "kapp_code")
		if err := os.MkdirAll(codeDir, 0o700); err != nil {
			return fmt.Errorf("create code dir: %w", err)
		}
		paths := make([]string, len(entries))
		for i, info := range entries {
			p := filepath.Join(codeDir, filepath.Base(info.Path))
			if err := os.WriteFile(p, units[i], 0o600); err != nil {
				return fmt.Errorf("write code unit %s: %w", info.Path, err)
			}
			paths[i] = p
		}
		if err := s.registrar.RegisterFromFiles(paths, nativeDir); err != nil {
			return fmt.Errorf("register code from files: %w", err)
		}
	default:
		return fmt.Errorf("%w: strategy %s", ErrUnsupportedPlatformCapability, strategy)
	}
	return nil
}
