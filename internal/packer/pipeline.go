package packer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kapp-shell/apk-harden-go/internal/bundle"
	"github.com/kapp-shell/apk-harden-go/internal/crypto"
	"github.com/kapp-shell/apk-harden-go/internal/payload"
	"github.com/kapp-shell/apk-harden-go/internal/signing"
)

// Pipeline 打包管线：解包 -> 分类 -> 加密 -> 组容器 -> 补清单 ->
// 重组 -> 签名。单次调用单个逻辑流程，任何阶段失败都不在
// 配置的输出路径留下部分产物
type Pipeline struct {
	logger  *logrus.Logger
	keys    crypto.KeyStrategy
	signer  signing.Signer
	metrics MetricsRecorder
}

// NewPipeline 创建管线。signer 为 nil 时等价于始终跳过签名
func NewPipeline(logger *logrus.Logger, keys crypto.KeyStrategy, signer signing.Signer) *Pipeline {
	return &Pipeline{logger: logger, keys: keys, signer: signer}
}

// WithMetrics 挂接指标采集
func (p *Pipeline) WithMetrics(m MetricsRecorder) *Pipeline {
	p.metrics = m
	return p
}

// Run 执行一次打包。返回的 Result 在 SigningErr 非空时依然有效：
// 未签名产物已写至输出路径，失败只归属签名步骤
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	result, err := p.run(ctx, opts)
	if p.metrics != nil {
		status := "succeeded"
		if err != nil {
			status = "failed"
		}
		p.metrics.PackFinished(status)
	}
	if result != nil {
		result.Duration = time.Since(start)
	}
	return result, err
}

func (p *Pipeline) run(ctx context.Context, opts Options) (*Result, error) {
	log := p.logger.WithFields(logrus.Fields{
		"target": opts.TargetPath,
		"output": opts.OutputPath,
	})

	// 阶段 1: 解析 Target Bundle 与 stub 物料
	stage := p.stageTimer("parse")
	b, err := bundle.Parse(opts.TargetPath, p.logger)
	if err != nil {
		return nil, err
	}
	stub, err := LoadStubMaterial(opts.StubAPKPath, opts.StubLibDir)
	if err != nil {
		return nil, err
	}
	stage()

	result := &Result{
		OutputPath:          opts.OutputPath,
		Package:             b.Manifest.Package,
		OriginalApplication: b.Manifest.ApplicationClass,
		OriginalFactory:     b.Manifest.ComponentFactory,
	}
	if result.OriginalApplication == "" {
		// 可恢复：记录后回退到平台默认委托名
		result.ManifestFallback = true
		result.OriginalApplication = bundle.DefaultApplicationClass
		log.WithError(bundle.ErrManifestIncomplete).Warn("Falling back to platform default application class")
	}

	// 前置检测：已加固的输入再套一层会破坏其加载器
	if info := DetectProtection(b); info.Detected {
		result.PriorProtection = info
		if info.Name == "kapp-shell" {
			return nil, fmt.Errorf("%w (indicators: %s)",
				ErrAlreadyHardened, strings.Join(info.Indicators, ", "))
		}
		log.WithFields(logrus.Fields{
			"protection": info.Name,
			"confidence": info.Confidence,
			"indicators": info.Indicators,
		}).Warn("Target already appears protected by another packer")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 阶段 2: 按排除清单分类
	stage = p.stageTimer("classify")
	keep := NewKeepList(opts.KeepClasses, opts.KeepPrefixes, opts.KeepLibs)
	sources, keptDex, removed, err := classify(b, keep, opts.EncryptAssets, opts.TargetPath)
	if err != nil {
		return nil, err
	}
	for _, s := range sources {
		result.ProtectedEntries = append(result.ProtectedEntries, s.path)
	}
	for _, u := range keptDex {
		result.KeptEntries = append(result.KeptEntries, u.Name)
	}
	stage()

	log.WithFields(logrus.Fields{
		"protected": len(result.ProtectedEntries),
		"kept":      len(result.KeptEntries),
	}).Info("Entries classified")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 阶段 3: 生成保护密钥，条目独立并发加密，归并回确定顺序
	stage = p.stageTimer("encrypt")
	key, bootstrap, err := p.keys.Provision()
	if err != nil {
		return nil, fmt.Errorf("provision protection key: %w", err)
	}
	entries, encBytes, err := encryptSources(ctx, key, &crypto.CounterNonceSource{}, sources)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.AddEncryptedBytes(int(encBytes))
	}
	stage()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 阶段 4: 组装 Payload Container
	stage = p.stageTimer("assemble")
	var builder payload.Builder
	for _, e := range entries {
		builder.Append(e)
	}
	var blob bytes.Buffer
	if _, err := builder.WriteTo(&blob); err != nil {
		return nil, fmt.Errorf("assemble payload container: %w", err)
	}
	stage()

	// 阶段 5: 补清单
	stage = p.stageTimer("manifest")
	patched, err := b.Manifest.Patch(bundle.StubSpec{
		ApplicationClass: StubApplicationClass,
		ComponentFactory: StubComponentFactory,
		ProviderClass:    StubProviderClass,
	})
	if err != nil {
		return nil, err
	}
	stage()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 阶段 6/7: 确定性重组，先写临时文件，全部成功后再落到输出路径
	stage = p.stageTimer("repack")
	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(opts.OutputPath), ".kapp-pack-*")
	if err != nil {
		return nil, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	err = writeHardened(tmp, repackInput{
		targetPath:      opts.TargetPath,
		patchedManifest: patched,
		stub:            stub,
		keptDex:         keptDex,
		removed:         removed,
		payloadBlob:     blob.Bytes(),
		bootstrap:       bootstrap,
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	if err := VerifyHardened(tmpPath, removed); err != nil {
		return nil, fmt.Errorf("hardened artifact verification: %w", err)
	}

	if err := os.Rename(tmpPath, opts.OutputPath); err != nil {
		return nil, fmt.Errorf("finalize artifact: %w", err)
	}
	stage()

	// 阶段 8: 签名。不可用时保留未签名产物，失败只归属本步骤
	if !opts.Signing.Skip && p.signer != nil {
		stage = p.stageTimer("sign")
		if err := p.signer.Sign(ctx, opts.OutputPath, opts.Signing); err != nil {
			result.SigningErr = err
			log.WithError(err).Error("Signing failed, unsigned artifact kept")
			return result, fmt.Errorf("sign artifact: %w", err)
		}
		result.Signed = true
		stage()
	}

	log.WithFields(logrus.Fields{
		"package":   result.Package,
		"protected": len(result.ProtectedEntries),
		"signed":    result.Signed,
	}).Info("Pack run completed")
	return result, nil
}

// classify 把代码单元、Native 库、额外资产分成保护/保留两组
func classify(b *bundle.Bundle, keep *KeepList, assetPatterns []string, targetPath string) ([]protectedSource, []bundle.CodeUnit, map[string]bool, error) {
	var sources []protectedSource
	var keptDex []bundle.CodeUnit
	removed := make(map[string]bool)

	for _, unit := range b.CodeUnits {
		if keep.KeepCode(unit) {
			keptDex = append(keptDex, unit)
			continue
		}
		removed[unit.Name] = true
		sources = append(sources, protectedSource{
			kind: payload.KindCode,
			path: unit.Name,
			data: unit.Data,
		})
	}

	for _, lib := range b.NativeLibs {
		if keep.KeepLib(lib) {
			continue
		}
		removed[lib.Path] = true
		sources = append(sources, protectedSource{
			kind:     payload.KindNativeLib,
			path:     lib.Path,
			abi:      lib.ABI,
			data:     lib.Data,
			compress: true,
		})
	}

	for _, asset := range MatchAssets(b.AssetPaths, assetPatterns) {
		data, err := readZipEntry(targetPath, asset)
		if err != nil {
			// 命中加密模式的资产必须可读，跳过会产出既未加密
			// 也未登记的条目
			return nil, nil, nil, fmt.Errorf("%w: read asset %s: %v", bundle.ErrParse, asset, err)
		}
		removed[asset] = true
		sources = append(sources, protectedSource{
			kind:     payload.KindAsset,
			path:     asset,
			data:     data,
			compress: true,
		})
	}

	return sources, keptDex, removed, nil
}

func (p *Pipeline) stageTimer(name string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		if p.metrics != nil {
			p.metrics.ObservePackStage(name, d)
		}
		p.logger.WithFields(logrus.Fields{
			"stage":    name,
			"duration": d,
		}).Debug("Pack stage finished")
	}
}
