package loader

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kapp-shell/apk-harden-go/internal/payload"
)

// NativeLibCache 解密 Native 库缓存。库名到磁盘路径的映射,
// 同名并发请求经 singleflight 合并为一次解密，缓存文件以明文
// SHA-256 对照容器条目摘要校验，不匹配则重新解密覆盖。
type NativeLibCache struct {
	dir      string
	abi      string
	key      []byte
	reader   *payload.Reader
	group    singleflight.Group
	logger   *logrus.Entry
	decrypts atomic.Int64
}

// NewNativeLibCache 在 dir 下建立缓存目录（0700）
func NewNativeLibCache(dir, abi string, key []byte, reader *payload.Reader, logger *logrus.Entry) (*NativeLibCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create native cache dir: %w", err)
	}
	return &NativeLibCache{
		dir:    dir,
		abi:    abi,
		key:    key,
		reader: reader,
		logger: logger,
	}, nil
}

// Dir 缓存目录，作为 native library search path 注入类加载器
func (c *NativeLibCache) Dir() string {
	return c.dir
}

// Load 按库名（如 "libfoo.so"）解析当前 ABI 的容器条目并返回缓存文件路径。
// 当前 ABI 无此条目返回 ErrNativeLibMissingForABI。
func (c *NativeLibCache) Load(name string) (string, error) {
	path, err, _ := c.group.Do(name, func() (interface{}, error) {
		return c.load(name)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (c *NativeLibCache) load(name string) (string, error) {
	entryPath := fmt.Sprintf("lib/%s/%s", c.abi, name)
	info, ok := c.reader.Lookup(entryPath)
	if !ok || info.Kind != payload.KindNativeLib {
		return "", fmt.Errorf("%w: %s (%s)", ErrNativeLibMissingForABI, name, c.abi)
	}

	target := filepath.Join(c.dir, name)
	if c.valid(target, info) {
		return target, nil
	}

	data, err := c.reader.Open(c.key, info)
	if err != nil {
		return "", fmt.Errorf("decrypt native library %s: %w", name, err)
	}
	c.decrypts.Add(1)

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write native library cache: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish native library cache: %w", err)
	}
	c.logger.WithFields(logrus.Fields{"lib": name, "size": len(data)}).Debug("native library decrypted to cache")
	return target, nil
}

// valid 缓存文件存在且明文摘要与条目摘要一致
func (c *NativeLibCache) valid(path string, info payload.EntryInfo) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return uint32(len(data)) == info.PlainSize && sha256.Sum256(data) == info.Digest
}

// Decryptions 实际执行过的解密次数
func (c *NativeLibCache) Decryptions() int64 {
	return c.decrypts.Load()
}
