package packer

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kapp-shell/apk-harden-go/internal/bundle"
	"github.com/kapp-shell/apk-harden-go/internal/payload"
)

// repackInput 重组阶段的全部输入
type repackInput struct {
	targetPath      string
	patchedManifest []byte
	stub            *StubMaterial
	keptDex         []bundle.CodeUnit // 保持明文、待重编号的 dex
	removed         map[string]bool   // 被保护（从包树移除）的条目
	payloadBlob     []byte
	bootstrap       []byte // 密钥引导材料
}

// writeHardened 确定性地重组加固包：
// 清单、stub dex、重编号的保留 dex、原包其余条目（原序）、
// stub 库、容器资产、引导材料。被保护条目不以明文出现
func writeHardened(out *os.File, in repackInput) error {
	src, err := zip.OpenReader(in.targetPath)
	if err != nil {
		return fmt.Errorf("%w: %v", bundle.ErrParse, err)
	}
	defer src.Close()

	zw := zip.NewWriter(out)

	if err := writeStored(zw, "AndroidManifest.xml", in.patchedManifest, zip.Deflate); err != nil {
		return err
	}

	// stub dex 最先加载，保留的明文 dex 顺延重编号
	next := 1
	for _, data := range in.stub.DexUnits {
		if err := writeStored(zw, bundle.DexNameForIndex(next), data, zip.Store); err != nil {
			return err
		}
		next++
	}
	kept := append([]bundle.CodeUnit(nil), in.keptDex...)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Index < kept[j].Index })
	for _, unit := range kept {
		if err := writeStored(zw, bundle.DexNameForIndex(next), unit.Data, zip.Store); err != nil {
			return err
		}
		next++
	}

	// 其余条目按原包顺序拷贝，压缩方式保持不变
	for _, f := range src.File {
		name := f.Name
		if name == "AndroidManifest.xml" ||
			name == payload.AssetPath ||
			name == BootstrapAssetPath ||
			in.removed[name] {
			continue
		}
		if _, isDex := bundle.DexIndex(name); isDex {
			continue // 已在上方重新布局
		}
		if f.FileInfo().IsDir() {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: f.Method})
		if err != nil {
			rc.Close()
			return fmt.Errorf("copy %s: %w", name, err)
		}
		if _, err := io.Copy(w, rc); err != nil {
			rc.Close()
			return fmt.Errorf("copy %s: %w", name, err)
		}
		rc.Close()
	}

	abis := make([]string, 0, len(in.stub.Libs))
	for abi := range in.stub.Libs {
		abis = append(abis, abi)
	}
	sort.Strings(abis)
	for _, abi := range abis {
		name := fmt.Sprintf("lib/%s/%s", abi, StubLibName)
		if err := writeStored(zw, name, in.stub.Libs[abi], zip.Store); err != nil {
			return err
		}
	}

	if err := writeStored(zw, payload.AssetPath, in.payloadBlob, zip.Store); err != nil {
		return err
	}
	if err := writeStored(zw, BootstrapAssetPath, in.bootstrap, zip.Store); err != nil {
		return err
	}

	return zw.Close()
}

func writeStored(zw *zip.Writer, name string, data []byte, method uint16) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
