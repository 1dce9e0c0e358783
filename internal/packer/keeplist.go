package packer

import (
	"bytes"
	"path"
	"strings"

	"github.com/kapp-shell/apk-harden-go/internal/bundle"
)

// KeepList 保持明文的排除清单。命中者不进入 Payload Container，
// 用于早期平台工具链必须能直接读到的第三方库
type KeepList struct {
	descriptors []string // dex 描述符形式的类名 "Lcom/foo/Bar;"
	prefixes    []string // dex 描述符形式的包前缀 "Lcom/foo/"
	libNames    []string
}

// NewKeepList 从配置面的类名/包前缀/库名构建
func NewKeepList(classes, prefixes, libs []string) *KeepList {
	kl := &KeepList{libNames: libs}

	for _, c := range classes {
		kl.descriptors = append(kl.descriptors, ToDexDescriptor(c))
	}
	for _, p := range prefixes {
		trimmed := strings.Trim(strings.TrimSpace(p), ".")
		kl.prefixes = append(kl.prefixes, "L"+strings.ReplaceAll(trimmed, ".", "/")+"/")
	}
	return kl
}

// ToDexDescriptor 类名到 dex 描述符
func ToDexDescriptor(className string) string {
	trimmed := strings.TrimSpace(className)
	if strings.HasPrefix(trimmed, "L") && strings.HasSuffix(trimmed, ";") {
		return trimmed
	}
	return "L" + strings.ReplaceAll(trimmed, ".", "/") + ";"
}

// KeepCode 判断代码单元是否保持明文：dex 字节中出现任一
// 保留类描述符或包前缀即命中
func (kl *KeepList) KeepCode(unit bundle.CodeUnit) bool {
	for _, d := range kl.descriptors {
		if bytes.Contains(unit.Data, []byte(d)) {
			return true
		}
	}
	for _, p := range kl.prefixes {
		if bytes.Contains(unit.Data, []byte(p)) {
			return true
		}
	}
	return false
}

// KeepLib 判断 Native 库是否保持明文，支持 "foo"、"libfoo.so"、"foo.so" 写法
func (kl *KeepList) KeepLib(lib bundle.NativeLib) bool {
	for _, kept := range kl.libNames {
		if lib.Name == kept || lib.Name == "lib"+kept+".so" || lib.Name == kept+".so" {
			return true
		}
	}
	return false
}

// MatchAssets 按 glob 模式挑选需要加密的资产路径
func MatchAssets(assetPaths, patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}

	var out []string
	for _, p := range assetPaths {
		for _, pattern := range patterns {
			if ok, _ := path.Match(pattern, p); ok {
				out = append(out, p)
				break
			}
			// 仅给出文件名模式时匹配基名
			if ok, _ := path.Match(pattern, path.Base(p)); ok {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
