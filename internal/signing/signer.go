package signing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kapp-shell/apk-harden-go/internal/retry"
)

// ErrSigningUnavailable 签名工具或凭据不可用。
// 管线收到该错误时仍保留未签名产物，仅对签名步骤报告失败
var ErrSigningUnavailable = errors.New("signing unavailable")

// Params 签名参数。为空时自动供给 debug keystore
type Params struct {
	Skip         bool
	KeystorePath string
	KeystorePass string
	KeyAlias     string
	KeyPass      string
}

// Signer 外部签名工具边界：输入 (产物路径, 凭据)，输出已签名产物
type Signer interface {
	Sign(ctx context.Context, artifactPath string, p Params) error
}

// ToolSigner 调用 Android 构建工具链 (zipalign + apksigner) 签名。
// 工具缺失归为 ErrSigningUnavailable
type ToolSigner struct {
	logger *logrus.Logger
}

func NewToolSigner(logger *logrus.Logger) *ToolSigner {
	return &ToolSigner{logger: logger}
}

func (s *ToolSigner) Sign(ctx context.Context, artifactPath string, p Params) error {
	apksigner, err := findBuildTool("apksigner")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	if p.KeystorePath == "" {
		p, err = s.debugParams(ctx)
		if err != nil {
			return err
		}
	}

	// 对齐建议在签名前完成；zipalign 缺失时跳过而不是放弃签名
	if zipalign, err := findBuildTool("zipalign"); err == nil {
		if err := s.align(ctx, zipalign, artifactPath); err != nil {
			s.logger.WithError(err).Warn("zipalign failed, signing unaligned artifact")
		}
	} else {
		s.logger.Debug("zipalign not found, skipping alignment")
	}

	args := []string{
		"sign",
		"--ks", p.KeystorePath,
		"--ks-pass", "pass:" + p.KeystorePass,
		"--ks-key-alias", p.KeyAlias,
	}
	if p.KeyPass != "" {
		args = append(args, "--key-pass", "pass:"+p.KeyPass)
	}
	args = append(args, artifactPath)

	cfg := &retry.Config{
		MaxAttempts:     2,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Strategy:        retry.StrategyFixed,
		Logger:          s.logger,
	}
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, apksigner, args...).CombinedOutput()
		if err != nil {
			return retry.NewRetryableError(fmt.Errorf("apksigner: %v: %s", err, out))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	s.logger.WithField("artifact", artifactPath).Info("Artifact signed")
	return nil
}

func (s *ToolSigner) align(ctx context.Context, zipalign, artifactPath string) error {
	aligned := artifactPath + ".aligned"
	out, err := exec.CommandContext(ctx, zipalign, "-f", "4", artifactPath, aligned).CombinedOutput()
	if err != nil {
		os.Remove(aligned)
		return fmt.Errorf("zipalign: %v: %s", err, out)
	}
	return os.Rename(aligned, artifactPath)
}

// debugParams 定位或用 keytool 生成 debug keystore
func (s *ToolSigner) debugParams(ctx context.Context) (Params, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	p := Params{
		KeystorePath: filepath.Join(home, ".kapp", "debug.keystore"),
		KeystorePass: "android",
		KeyAlias:     "androiddebugkey",
		KeyPass:      "android",
	}

	if _, err := os.Stat(p.KeystorePath); err == nil {
		return p, nil
	}

	keytool, err := exec.LookPath("keytool")
	if err != nil {
		return Params{}, fmt.Errorf("%w: no keystore and keytool not found", ErrSigningUnavailable)
	}

	if err := os.MkdirAll(filepath.Dir(p.KeystorePath), 0o700); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	s.logger.WithField("keystore", p.KeystorePath).Info("Provisioning debug keystore")
	out, err := exec.CommandContext(ctx, keytool,
		"-genkeypair", "-v",
		"-keystore", p.KeystorePath,
		"-storepass", p.KeystorePass,
		"-alias", p.KeyAlias,
		"-keypass", p.KeyPass,
		"-keyalg", "RSA", "-keysize", "2048", "-validity", "10000",
		"-dname", "CN=Android Debug,O=Android,C=US",
	).CombinedOutput()
	if err != nil {
		return Params{}, fmt.Errorf("%w: keytool: %v: %s", ErrSigningUnavailable, err, out)
	}

	return p, nil
}

// findBuildTool 在 PATH 与 ANDROID SDK build-tools 下定位工具
func findBuildTool(name string) (string, error) {
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	for _, envVar := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		root := os.Getenv(envVar)
		if root == "" {
			continue
		}
		versions, err := filepath.Glob(filepath.Join(root, "build-tools", "*", name))
		if err != nil || len(versions) == 0 {
			continue
		}
		// glob 结果有序，末位为最新版本
		return versions[len(versions)-1], nil
	}

	return "", fmt.Errorf("%s not found in PATH or SDK build-tools", name)
}
