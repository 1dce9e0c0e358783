package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kapp-shell/apk-harden-go/internal/config"
	"github.com/kapp-shell/apk-harden-go/internal/crypto"
	"github.com/kapp-shell/apk-harden-go/internal/packer"
	"github.com/kapp-shell/apk-harden-go/internal/signing"
)

// 一次性加固命令行工具：不依赖数据库和消息队列，直接跑完整管线
func main() {
	var (
		input         = flag.String("in", "", "待加固的 APK 路径 (必填)")
		output        = flag.String("out", "", "产物输出路径，默认 <input>_hardened.apk")
		stubAPK       = flag.String("stub", "", "stub APK 路径 (必填)")
		stubLibDir    = flag.String("stub-libs", "", "stub native 库目录")
		keyStrategy   = flag.String("key-strategy", "fragment-hkdf", "密钥策略: fragment-hkdf, static")
		keepClasses   = flag.String("keep-classes", "", "保持明文的类名，逗号分隔")
		keepPrefixes  = flag.String("keep-prefixes", "", "保持明文的类名前缀，逗号分隔")
		keepLibs      = flag.String("keep-libs", "", "保持明文的 native 库名，逗号分隔")
		encryptAssets = flag.String("encrypt-assets", "", "额外加密的资产 glob 模式，逗号分隔")
		skipSigning   = flag.Bool("skip-signing", false, "跳过签名，产出未签名 APK")
		keystore      = flag.String("keystore", "", "keystore 路径，为空时使用 debug keystore")
		keyAlias      = flag.String("key-alias", "", "keystore 中的密钥别名")
		timeout       = flag.Duration("timeout", 10*time.Minute, "管线整体超时")
		logLevel      = flag.String("log-level", "info", "日志级别: debug, info, warn, error")
	)
	flag.Parse()

	if *input == "" || *stubAPK == "" {
		flag.Usage()
		log.Fatal("both -in and -stub are required")
	}

	logger := config.InitLogger(&config.LogConfig{Level: *logLevel, Format: "text"})

	outputPath := *output
	if outputPath == "" {
		outputPath = strings.TrimSuffix(*input, ".apk") + "_hardened.apk"
	}

	var keys crypto.KeyStrategy
	switch *keyStrategy {
	case "static":
		keys = crypto.StaticKeyStrategy{}
		logger.Warn("Using static key strategy, hardened output is NOT suitable for release")
	default:
		keys = crypto.FragmentKeyStrategy{}
	}

	opts := packer.Options{
		TargetPath:    *input,
		OutputPath:    outputPath,
		KeepClasses:   splitList(*keepClasses),
		KeepPrefixes:  splitList(*keepPrefixes),
		KeepLibs:      splitList(*keepLibs),
		EncryptAssets: splitList(*encryptAssets),
		StubAPKPath:   *stubAPK,
		StubLibDir:    *stubLibDir,
		Signing: signing.Params{
			Skip:         *skipSigning,
			KeystorePath: *keystore,
			KeystorePass: os.Getenv("KEYSTORE_PASS"),
			KeyAlias:     *keyAlias,
			KeyPass:      os.Getenv("KEY_PASS"),
		},
	}

	pipeline := packer.NewPipeline(logger, keys, signing.NewToolSigner(logger))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := pipeline.Run(ctx, opts)
	if err != nil {
		// 签名失败时未签名产物仍然保留，照常打印摘要后以非零退出
		if result == nil || result.SigningErr == nil {
			logger.WithError(err).Fatal("Pack failed")
		}
		logger.WithError(err).Error("Pack finished but artifact is unsigned")
	}

	printSummary(result)

	if err != nil {
		os.Exit(1)
	}
}

func printSummary(result *packer.Result) {
	fmt.Printf("\nPack completed in %s\n", result.Duration.Round(time.Millisecond))
	fmt.Printf("  Package:   %s\n", result.Package)
	fmt.Printf("  App class: %s\n", result.OriginalApplication)
	fmt.Printf("  Output:    %s\n", result.OutputPath)
	fmt.Printf("  Protected: %d entries\n", len(result.ProtectedEntries))
	fmt.Printf("  Kept:      %d entries\n", len(result.KeptEntries))
	switch {
	case result.Signed:
		fmt.Println("  Signed:    yes")
	case result.SigningErr != nil:
		fmt.Printf("  Signed:    no (%v)\n", result.SigningErr)
	default:
		fmt.Println("  Signed:    no (skipped)")
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
