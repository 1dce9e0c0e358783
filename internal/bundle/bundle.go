package bundle

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// ErrParse 输入包不可读或不是合法的 APK 容器
	ErrParse = errors.New("unreadable or invalid target package")
	// ErrUnsupportedSplit AAB / split APK 输入不受支持
	ErrUnsupportedSplit = errors.New("split or bundle artifacts are not supported")
	// ErrManifestIncomplete 清单缺少应用类声明（可恢复，使用平台默认委托名）
	ErrManifestIncomplete = errors.New("manifest missing application class")
)

// CodeUnit 一个有序代码单元 (classesN.dex)
type CodeUnit struct {
	Name  string // zip 内名称
	Index int    // 加载顺序，classes.dex == 1
	Data  []byte
}

// NativeLib 按 (ABI, 逻辑名) 标识的 Native 库
type NativeLib struct {
	Path string // zip 内名称 "lib/<abi>/<name>.so"
	ABI  string
	Name string
	Data []byte
}

// Bundle 输入包的只读解析视图，每次打包解析一次
type Bundle struct {
	Path       string
	Manifest   *Manifest
	CodeUnits  []CodeUnit // 按 dex 序号排序
	NativeLibs []NativeLib
	AssetPaths []string // 普通资产路径（供额外加密模式匹配）
}

// Parse 解析 Target Bundle。AAB 与 split 配置直接拒绝
func Parse(apkPath string, logger *logrus.Logger) (*Bundle, error) {
	zr, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer zr.Close()

	b := &Bundle{Path: apkPath}
	var manifestData []byte

	for _, f := range zr.File {
		name := f.Name

		// AAB 结构特征
		if name == "BundleConfig.pb" || strings.HasPrefix(name, "base/manifest/") {
			return nil, fmt.Errorf("%w: bundle layout detected (%s)", ErrUnsupportedSplit, name)
		}

		switch {
		case name == "AndroidManifest.xml":
			manifestData, err = readZipFile(f)
			if err != nil {
				return nil, fmt.Errorf("%w: read manifest: %v", ErrParse, err)
			}

		case isDexName(name):
			data, err := readZipFile(f)
			if err != nil {
				return nil, fmt.Errorf("%w: read %s: %v", ErrParse, name, err)
			}
			idx, ok := DexIndex(name)
			if !ok {
				continue
			}
			b.CodeUnits = append(b.CodeUnits, CodeUnit{Name: name, Index: idx, Data: data})

		case isNativeLibName(name):
			data, err := readZipFile(f)
			if err != nil {
				return nil, fmt.Errorf("%w: read %s: %v", ErrParse, name, err)
			}
			parts := strings.Split(name, "/")
			b.NativeLibs = append(b.NativeLibs, NativeLib{
				Path: name,
				ABI:  parts[1],
				Name: path.Base(name),
				Data: data,
			})

		case strings.HasPrefix(name, "assets/") && !f.FileInfo().IsDir():
			b.AssetPaths = append(b.AssetPaths, name)
		}
	}

	if manifestData == nil {
		return nil, fmt.Errorf("%w: no AndroidManifest.xml", ErrParse)
	}

	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return nil, err
	}
	if manifest.Split != "" {
		return nil, fmt.Errorf("%w: split manifest %q", ErrUnsupportedSplit, manifest.Split)
	}
	b.Manifest = manifest

	// 依赖顺序敏感：严格按 dex 序号排序
	sort.Slice(b.CodeUnits, func(i, j int) bool {
		return b.CodeUnits[i].Index < b.CodeUnits[j].Index
	})

	logger.WithFields(logrus.Fields{
		"package":     manifest.Package,
		"application": manifest.ApplicationClass,
		"code_units":  len(b.CodeUnits),
		"native_libs": len(b.NativeLibs),
	}).Debug("Target bundle parsed")

	return b, nil
}

// DexIndex 解析 classesN.dex 的加载序号，classes.dex == 1
func DexIndex(name string) (int, bool) {
	if name == "classes.dex" {
		return 1, true
	}
	if !isDexName(name) {
		return 0, false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(name, "classes"), ".dex")
	if middle == "" {
		return 1, true
	}
	n, err := strconv.Atoi(middle)
	if err != nil || n < 2 {
		return 0, false
	}
	return n, true
}

// DexNameForIndex 序号到 dex 名称
func DexNameForIndex(index int) string {
	if index == 1 {
		return "classes.dex"
	}
	return fmt.Sprintf("classes%d.dex", index)
}

func isDexName(name string) bool {
	return !strings.Contains(name, "/") &&
		strings.HasPrefix(name, "classes") && strings.HasSuffix(name, ".dex")
}

func isNativeLibName(name string) bool {
	return strings.HasPrefix(name, "lib/") && strings.HasSuffix(name, ".so") &&
		strings.Count(name, "/") == 2
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
