package packer

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/kapp-shell/apk-harden-go/internal/bundle"
)

// stub 注入身份。加载器和清单补丁共用这些名字
const (
	StubApplicationClass = "com.kapp.shell.ShellApplication"
	StubComponentFactory = "com.kapp.shell.ShellComponentFactory"
	StubProviderClass    = "com.kapp.shell.BootstrapProvider"

	// StubLibName 每 ABI 注入的 stub native 库
	StubLibName = "libshell.so"

	// BootstrapAssetPath 密钥引导材料在加固包内的固定路径
	BootstrapAssetPath = "assets/kapp_bootstrap.bin"
)

// StubMaterial stub 加载器物料：有序 dex 单元 + 每 ABI 的 libshell.so
type StubMaterial struct {
	DexUnits [][]byte
	Libs     map[string][]byte // ABI -> bytes
}

// LoadStubMaterial 从 stub APK 与 ABI 目录树装载物料
func LoadStubMaterial(stubAPK, libDir string) (*StubMaterial, error) {
	zr, err := zip.OpenReader(stubAPK)
	if err != nil {
		return nil, fmt.Errorf("open stub apk: %w", err)
	}
	defer zr.Close()

	type indexed struct {
		index int
		data  []byte
	}
	var dexes []indexed

	for _, f := range zr.File {
		idx, ok := bundle.DexIndex(f.Name)
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("read stub dex %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read stub dex %s: %w", f.Name, err)
		}
		dexes = append(dexes, indexed{index: idx, data: data})
	}

	if len(dexes) == 0 {
		return nil, fmt.Errorf("no classes*.dex found in stub apk %s", stubAPK)
	}
	sort.Slice(dexes, func(i, j int) bool { return dexes[i].index < dexes[j].index })

	m := &StubMaterial{Libs: make(map[string][]byte)}
	for _, d := range dexes {
		m.DexUnits = append(m.DexUnits, d.data)
	}

	abiDirs, err := os.ReadDir(libDir)
	if err != nil {
		return nil, fmt.Errorf("read stub lib dir: %w", err)
	}
	for _, abi := range abiDirs {
		if !abi.IsDir() {
			continue
		}
		libPath := filepath.Join(libDir, abi.Name(), StubLibName)
		data, err := os.ReadFile(libPath)
		if err != nil {
			continue
		}
		m.Libs[abi.Name()] = data
	}

	if len(m.Libs) == 0 {
		return nil, fmt.Errorf("no %s found under stub lib dir %s", StubLibName, libDir)
	}
	return m, nil
}
