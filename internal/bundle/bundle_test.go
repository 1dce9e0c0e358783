package bundle

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android"
    package="com.example.kappb">
    <uses-sdk android:minSdkVersion="24" android:targetSdkVersion="34"/>
    <application
        android:name="com.example.kappb.KappbApplication"
        android:appComponentFactory="androidx.core.app.CoreComponentFactory">
        <activity android:name=".MainActivity"/>
    </application>
</manifest>`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// writeTestAPK 在临时目录构造一个 zip 形式的测试 APK
func writeTestAPK(t *testing.T, files map[string][]byte) string {
	t.Helper()

	apkPath := filepath.Join(t.TempDir(), "target.apk")
	f, err := os.Create(apkPath)
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
	return apkPath
}

// TestParse_ValidAPK 测试标准输入包解析
func TestParse_ValidAPK(t *testing.T) {
	apk := writeTestAPK(t, map[string][]byte{
		"AndroidManifest.xml":         []byte(testManifest),
		"classes3.dex":                []byte("dex-3"),
		"classes.dex":                 []byte("dex-1"),
		"classes2.dex":                []byte("dex-2"),
		"lib/arm64-v8a/libexample.so": []byte("elf"),
		"assets/config.json":          []byte("{}"),
		"res/layout/main.xml":         []byte("<xml/>"),
	})

	b, err := Parse(apk, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "com.example.kappb", b.Manifest.Package)
	assert.Equal(t, "com.example.kappb.KappbApplication", b.Manifest.ApplicationClass)
	assert.Equal(t, "androidx.core.app.CoreComponentFactory", b.Manifest.ComponentFactory)
	assert.Equal(t, 24, b.Manifest.MinSDK)
	assert.Equal(t, 34, b.Manifest.TargetSDK)

	require.Len(t, b.CodeUnits, 3)
	assert.Equal(t, []string{"classes.dex", "classes2.dex", "classes3.dex"},
		[]string{b.CodeUnits[0].Name, b.CodeUnits[1].Name, b.CodeUnits[2].Name},
		"code units must be sorted by load order")

	require.Len(t, b.NativeLibs, 1)
	assert.Equal(t, "arm64-v8a", b.NativeLibs[0].ABI)
	assert.Equal(t, "libexample.so", b.NativeLibs[0].Name)

	assert.Equal(t, []string{"assets/config.json"}, b.AssetPaths)
}

// TestParse_RejectsBundleLayout 测试 AAB 结构拒绝
func TestParse_RejectsBundleLayout(t *testing.T) {
	apk := writeTestAPK(t, map[string][]byte{
		"BundleConfig.pb":                   []byte{0x0a},
		"base/manifest/AndroidManifest.xml": []byte("binary"),
	})

	_, err := Parse(apk, testLogger())
	assert.ErrorIs(t, err, ErrUnsupportedSplit)
}

// TestParse_RejectsSplitManifest 测试 split APK 拒绝
func TestParse_RejectsSplitManifest(t *testing.T) {
	split := strings.Replace(testManifest, `package="com.example.kappb"`,
		`package="com.example.kappb" split="config.arm64_v8a"`, 1)
	apk := writeTestAPK(t, map[string][]byte{
		"AndroidManifest.xml": []byte(split),
	})

	_, err := Parse(apk, testLogger())
	assert.ErrorIs(t, err, ErrUnsupportedSplit)
}

// TestParse_InvalidInputs 测试不可读输入
func TestParse_InvalidInputs(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.apk"), testLogger())
	assert.ErrorIs(t, err, ErrParse)

	noManifest := writeTestAPK(t, map[string][]byte{"classes.dex": []byte("x")})
	_, err = Parse(noManifest, testLogger())
	assert.ErrorIs(t, err, ErrParse)

	binaryManifest := writeTestAPK(t, map[string][]byte{
		"AndroidManifest.xml": {0x03, 0x00, 0x08, 0x00},
	})
	_, err = Parse(binaryManifest, testLogger())
	assert.ErrorIs(t, err, ErrParse)
}

// TestDexIndex 测试 dex 序号解析
func TestDexIndex(t *testing.T) {
	cases := []struct {
		name  string
		index int
		ok    bool
	}{
		{"classes.dex", 1, true},
		{"classes2.dex", 2, true},
		{"classes17.dex", 17, true},
		{"classesX.dex", 0, false},
		{"classes0.dex", 0, false},
		{"resources.arsc", 0, false},
	}

	for _, c := range cases {
		idx, ok := DexIndex(c.name)
		assert.Equal(t, c.ok, ok, c.name)
		if c.ok {
			assert.Equal(t, c.index, idx, c.name)
			assert.Equal(t, c.name, DexNameForIndex(idx))
		}
	}
}

// TestManifest_Patch 测试清单改写：入口替换 + 委托元数据 + 引导 provider
func TestManifest_Patch(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)

	patched, err := m.Patch(StubSpec{
		ApplicationClass: "com.kapp.shell.ShellApplication",
		ComponentFactory: "com.kapp.shell.ShellComponentFactory",
		ProviderClass:    "com.kapp.shell.BootstrapProvider",
	})
	require.NoError(t, err)

	out, err := ParseManifest(patched)
	require.NoError(t, err)
	assert.Equal(t, "com.kapp.shell.ShellApplication", out.ApplicationClass)
	assert.Equal(t, "com.kapp.shell.ShellComponentFactory", out.ComponentFactory)

	text := string(patched)
	assert.Contains(t, text, MetaKeyOriginalApplication)
	assert.Contains(t, text, "com.example.kappb.KappbApplication")
	assert.Contains(t, text, MetaKeyOriginalFactory)
	assert.Contains(t, text, "androidx.core.app.CoreComponentFactory")
	assert.Contains(t, text, "kapp-bootstrap")
	assert.Contains(t, text, `android:initOrder="1000"`)
}

// TestManifest_PatchWithoutApplication 应用类缺失时元数据记录空值
func TestManifest_PatchWithoutApplication(t *testing.T) {
	bare := `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.bare">
    <application android:label="bare"/>
</manifest>`

	m, err := ParseManifest([]byte(bare))
	require.NoError(t, err)
	assert.Empty(t, m.ApplicationClass)
	assert.Empty(t, m.ComponentFactory)

	patched, err := m.Patch(StubSpec{ApplicationClass: "com.kapp.shell.ShellApplication"})
	require.NoError(t, err)

	text := string(patched)
	assert.Contains(t, text, MetaKeyOriginalApplication)
	assert.NotContains(t, text, MetaKeyOriginalFactory,
		"factory metadata must be absent when none was declared")
}
