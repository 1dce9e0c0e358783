package packer

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/kapp-shell/apk-harden-go/internal/crypto"
	"github.com/kapp-shell/apk-harden-go/internal/payload"
)

// protectedSource 待加密条目的明文来源
type protectedSource struct {
	kind     payload.Kind
	path     string
	abi      string
	data     []byte
	compress bool
}

// encryptSources 并发加密独立条目。这是管线里唯一可并行化的阶段：
// 密钥生成后各条目互不依赖，worker 扇出后按输入下标归并，
// 输出顺序与调度无关
func encryptSources(ctx context.Context, key []byte, nonces crypto.NonceSource, sources []protectedSource) ([]payload.Entry, int64, error) {
	entries := make([]payload.Entry, len(sources))
	var total int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, src := range sources {
		i, src := i, src
		total += int64(len(src.data))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := payload.SealEntry(key, nonces, src.kind, src.path, src.abi, src.data, src.compress)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
