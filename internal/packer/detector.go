package packer

import (
	"errors"
	"sort"
	"strings"

	"github.com/kapp-shell/apk-harden-go/internal/bundle"
)

// ErrAlreadyHardened 输入已是本工具的加固产物
var ErrAlreadyHardened = errors.New("target is already hardened")

// DetectProtection 在已解析的输入包上做前置检测，判断其是否已被
// 某种方案加固。对已加固包再套一层 shell 通常会破坏其加载器，
// 调用方据此决定拒绝或告警
func DetectProtection(b *bundle.Bundle) *ProtectionInfo {
	rules := builtinProtectionRules()
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	for _, rule := range rules {
		confidence, indicators := matchProtectionRule(rule, b)
		if confidence >= 0.5 {
			return &ProtectionInfo{
				Detected:   true,
				Name:       rule.Name,
				Confidence: minFloat(confidence, 1.0),
				Indicators: indicators,
			}
		}
	}

	return &ProtectionInfo{Indicators: []string{}}
}

func matchProtectionRule(rule protectionRule, b *bundle.Bundle) (float64, []string) {
	confidence := 0.0
	var indicators []string

	for _, ruleLib := range rule.NativeLibs {
		for _, lib := range b.NativeLibs {
			if matchLibName(ruleLib, lib.Name) {
				confidence += 0.5
				indicators = append(indicators, "native_lib:"+lib.Path)
				break
			}
		}
	}

	if b.Manifest != nil && b.Manifest.ApplicationClass != "" {
		for _, class := range rule.AppClasses {
			if b.Manifest.ApplicationClass == class {
				confidence += 0.5
				indicators = append(indicators, "application_class:"+class)
			}
		}
	}

	for _, hint := range rule.AssetHints {
		for _, path := range b.AssetPaths {
			if strings.Contains(strings.ToLower(path), strings.ToLower(hint)) {
				confidence += 0.3
				indicators = append(indicators, "asset:"+path)
				break
			}
		}
	}

	return confidence, indicators
}

// matchLibName 匹配库名，容忍带版本号的变体
// (如 libshellx-2.10.3.4.so 命中 libshellx.so)
func matchLibName(pattern, name string) bool {
	if pattern == name {
		return true
	}

	patternCore := libCore(pattern)
	nameCore := libCore(name)
	return patternCore != "" && patternCore == nameCore
}

func libCore(name string) string {
	name = strings.TrimSuffix(name, ".so")
	name = strings.TrimPrefix(name, "lib")
	return strings.Split(name, "-")[0]
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
