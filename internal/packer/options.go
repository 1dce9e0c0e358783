package packer

import (
	"time"

	"github.com/kapp-shell/apk-harden-go/internal/signing"
)

// Options 一次打包运行的全部输入。由外部的 CLI/配置层拥有，
// 管线只作为普通数据消费
type Options struct {
	TargetPath string
	OutputPath string

	// 保持明文的排除清单
	KeepClasses  []string
	KeepPrefixes []string
	KeepLibs     []string

	// 额外加密的资产 glob 模式
	EncryptAssets []string

	// stub 物料
	StubAPKPath string
	StubLibDir  string

	// 签名参数；Skip 为 true 时产出未签名产物
	Signing signing.Params
}

// Result 打包结果。SigningErr 非空时输出产物仍然存在但未签名
type Result struct {
	OutputPath          string
	Package             string
	OriginalApplication string
	OriginalFactory     string
	ManifestFallback    bool // 应用类缺失，使用平台默认委托名
	PriorProtection     *ProtectionInfo
	ProtectedEntries    []string
	KeptEntries         []string
	Signed              bool
	SigningErr          error
	Duration            time.Duration
}

// MetricsRecorder 管线指标挂钩，nil 安全由管线内部处理
type MetricsRecorder interface {
	ObservePackStage(stage string, d time.Duration)
	AddEncryptedBytes(n int)
	PackFinished(status string)
}
