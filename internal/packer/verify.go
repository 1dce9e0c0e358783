package packer

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/kapp-shell/apk-harden-go/internal/bundle"
	"github.com/kapp-shell/apk-harden-go/internal/payload"
)

// VerifyHardened 产物自检：stub dex 居首、容器与引导材料就位、
// 委托元数据写入、所有被保护条目不再以明文出现
func VerifyHardened(apkPath string, removed map[string]bool) error {
	zr, err := zip.OpenReader(apkPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer zr.Close()

	names := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		names[f.Name] = true
	}

	if !names["classes.dex"] {
		return fmt.Errorf("stub code unit classes.dex missing")
	}
	if !names[payload.AssetPath] {
		return fmt.Errorf("payload container asset missing")
	}
	if !names[BootstrapAssetPath] {
		return fmt.Errorf("bootstrap material missing")
	}

	hasStubLib := false
	for name := range names {
		if strings.HasPrefix(name, "lib/") && strings.HasSuffix(name, "/"+StubLibName) {
			hasStubLib = true
			break
		}
	}
	if !hasStubLib {
		return fmt.Errorf("stub native library missing for every ABI")
	}

	for name := range removed {
		if names[name] {
			return fmt.Errorf("protected entry %s still present in cleartext", name)
		}
	}

	manifest, err := readZipEntry(apkPath, "AndroidManifest.xml")
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if !bytes.Contains(manifest, []byte(bundle.MetaKeyOriginalApplication)) {
		return fmt.Errorf("delegation metadata missing from manifest")
	}
	if !bytes.Contains(manifest, []byte(StubApplicationClass)) {
		return fmt.Errorf("stub application not installed in manifest")
	}

	return nil
}

func readZipEntry(apkPath, name string) ([]byte, error) {
	zr, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

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
