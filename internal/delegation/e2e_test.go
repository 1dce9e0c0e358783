package delegation

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapp-shell/apk-harden-go/internal/bundle"
	"github.com/kapp-shell/apk-harden-go/internal/crypto"
	"github.com/kapp-shell/apk-harden-go/internal/loader"
	"github.com/kapp-shell/apk-harden-go/internal/packer"
	"github.com/kapp-shell/apk-harden-go/internal/signing"
)

const e2eManifest = `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android"
    package="com.example.kappb">
    <uses-sdk android:minSdkVersion="24" android:targetSdkVersion="34"/>
    <application android:name="com.example.kappb.KappbApplication">
        <activity android:name=".MainActivity"/>
    </application>
</manifest>`

func writeE2EZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

type e2ePlatform struct {
	packagePath string
	privateDir  string
	meta        map[string]string
}

func (p *e2ePlatform) APILevel() int       { return 30 }
func (p *e2ePlatform) ABI() string         { return "arm64-v8a" }
func (p *e2ePlatform) PackagePath() string { return p.packagePath }
func (p *e2ePlatform) PrivateDir() string  { return p.privateDir }
func (p *e2ePlatform) MetaData(key string) string {
	return p.meta[key]
}

// e2eRegistrar 记住注册过的代码单元，类解析基于已注册的字节
type e2eRegistrar struct {
	units [][]byte
}

func (r *e2eRegistrar) RegisterFromMemory(units [][]byte, nativeDir string) error {
	r.units = units
	return nil
}

func (r *e2eRegistrar) RegisterFromFiles(paths []string, nativeDir string) error {
	return nil
}

// ResolveClass 只有在注册过的代码单元里出现该类的描述符时才解析成功
func (r *e2eRegistrar) ResolveClass(name string) (AppClass, error) {
	descriptor := packer.ToDexDescriptor(name)
	for _, unit := range r.units {
		if bytes.Contains(unit, []byte(descriptor)) {
			return fakeClass{instance: resolvedApps[name]}, nil
		}
	}
	return nil, ErrOriginalAppConstructionFailed
}

// 测试替身注册表：真实环境中由类加载器完成
var resolvedApps = map[string]AppInstance{}

// 加固一个完整 APK，再用运行期会话解密加载并完成生命周期移交。
// 原应用的启动回调写出 marker 文件作为移交成功的证据。
func TestPackLoadDelegateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	appDescriptor := packer.ToDexDescriptor("com.example.kappb.KappbApplication")
	target := filepath.Join(dir, "target.apk")
	writeE2EZip(t, target, map[string][]byte{
		"AndroidManifest.xml":     []byte(e2eManifest),
		"classes.dex":             append([]byte(appDescriptor), bytes.Repeat([]byte(" app"), 200)...),
		"classes2.dex":            bytes.Repeat([]byte("helper dex "), 100),
		"lib/arm64-v8a/libcrypto-helper.so": bytes.Repeat([]byte{0x7f, 'E', 'L', 'F', 1}, 64),
	})

	stubAPK := filepath.Join(dir, "stub.apk")
	writeE2EZip(t, stubAPK, map[string][]byte{"classes.dex": []byte("stub loader dex")})
	libDir := filepath.Join(dir, "stublibs", "arm64-v8a")
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(libDir, packer.StubLibName), []byte("stub elf"), 0o644))

	pipeline := packer.NewPipeline(testLogger(), crypto.StaticKeyStrategy{}, nil)
	result, err := pipeline.Run(context.Background(), packer.Options{
		TargetPath:  target,
		OutputPath:  filepath.Join(dir, "hardened.apk"),
		StubAPKPath: stubAPK,
		StubLibDir:  filepath.Dir(libDir),
		Signing:     signing.Params{Skip: true},
	})
	require.NoError(t, err)
	require.Equal(t, "com.example.kappb.KappbApplication", result.OriginalApplication)

	platform := &e2ePlatform{
		packagePath: result.OutputPath,
		privateDir:  t.TempDir(),
		meta: map[string]string{
			bundle.MetaKeyOriginalApplication: result.OriginalApplication,
		},
	}
	registrar := &e2eRegistrar{}
	session := loader.NewSession(platform, registrar, crypto.StaticKeyStrategy{}, testLogger())
	require.NoError(t, session.Bootstrap())
	require.Equal(t, loader.StateNativeReady, session.State())
	require.Len(t, registrar.units, 2)

	// Native 库经缓存解密可用
	libPath, err := session.NativeLibs().Load("libcrypto-helper.so")
	require.NoError(t, err)
	libData, err := os.ReadFile(libPath)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x7f, 'E', 'L', 'F', 1}, 64), libData)

	marker := filepath.Join(dir, "started.marker")
	resolvedApps[session.OriginalApplication] = &fakeInstance{
		startFn: func() error {
			return os.WriteFile(marker, []byte("running"), 0o600)
		},
	}
	defer delete(resolvedApps, session.OriginalApplication)

	host := newFakeHost(platform.APILevel(), &fakeInstance{name: "stub"}, 2)
	delegator := NewDelegator(registrar, host, testLogger())

	var original AppInstance
	require.NoError(t, session.Delegate(func() error {
		original, err = delegator.Run(session.OriginalApplication)
		return err
	}))

	assert.Equal(t, loader.StateRunning, session.State())
	for _, slot := range host.slots {
		assert.Same(t, original, slot.current)
	}
	_, err = os.Stat(marker)
	assert.NoError(t, err, "original application startup callback must have run")
}
