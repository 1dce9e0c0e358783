package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapp-shell/apk-harden-go/internal/crypto"
)

func buildTestContainer(t *testing.T, key []byte, plain map[string][]byte, order []string) []byte {
	t.Helper()

	nonces := &crypto.CounterNonceSource{}
	var b Builder

	for _, path := range order {
		kind := KindCode
		abi := ""
		if len(path) > 4 && path[:4] == "lib/" {
			kind = KindNativeLib
			abi = "arm64-v8a"
		}
		e, err := SealEntry(key, nonces, kind, path, abi, plain[path], kind != KindCode)
		require.NoError(t, err)
		b.Append(e)
	}

	var buf bytes.Buffer
	n, err := b.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)
	return buf.Bytes()
}

// fixupTrailer 重算尾部校验和，用于模拟"修复了校验和的篡改者"
func fixupTrailer(blob []byte) {
	body := blob[:len(blob)-trailerSize]
	binary.LittleEndian.PutUint64(blob[len(blob)-trailerSize:], xxhash.Sum64(body))
}

// TestContainer_RoundTrip 测试容器往返：所有条目解密后与原文一致
func TestContainer_RoundTrip(t *testing.T) {
	key, err := crypto.NewKey()
	require.NoError(t, err)

	plain := map[string][]byte{
		"classes.dex":                 bytes.Repeat([]byte("dex-one "), 512),
		"classes2.dex":                bytes.Repeat([]byte("dex-two "), 256),
		"lib/arm64-v8a/libexample.so": bytes.Repeat([]byte{0x7f, 'E', 'L', 'F'}, 1024),
	}
	order := []string{"classes.dex", "classes2.dex", "lib/arm64-v8a/libexample.so"}
	blob := buildTestContainer(t, key, plain, order)

	r, err := NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)
	require.Len(t, r.Entries(), 3)

	for path, want := range plain {
		got, err := r.OpenEntry(key, path)
		require.NoError(t, err, "decrypt %s", path)
		assert.Equal(t, want, got, "round trip mismatch for %s", path)
	}
}

// TestContainer_EmptyAndSingle 测试 N=0 与 N=1 的边界
func TestContainer_EmptyAndSingle(t *testing.T) {
	key, err := crypto.NewKey()
	require.NoError(t, err)

	blob := buildTestContainer(t, key, nil, nil)
	r, err := NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)
	assert.Empty(t, r.Entries())

	plain := map[string][]byte{"classes.dex": []byte("solo")}
	blob = buildTestContainer(t, key, plain, []string{"classes.dex"})
	r, err = NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)

	got, err := r.OpenEntry(key, "classes.dex")
	require.NoError(t, err)
	assert.Equal(t, []byte("solo"), got)
}

// TestContainer_CodeOrderPreserved 测试 CODE 条目顺序与写入顺序一致
func TestContainer_CodeOrderPreserved(t *testing.T) {
	key, err := crypto.NewKey()
	require.NoError(t, err)

	plain := make(map[string][]byte)
	var order []string
	for i := 1; i <= 7; i++ {
		name := "classes.dex"
		if i > 1 {
			name = fmt.Sprintf("classes%d.dex", i)
		}
		plain[name] = []byte{byte(i)}
		order = append(order, name)
	}

	blob := buildTestContainer(t, key, plain, order)
	r, err := NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)

	code := r.CodeEntries()
	require.Len(t, code, 7)
	for i, info := range code {
		assert.Equal(t, order[i], info.Path, "code entry %d out of order", i)
	}
}

// TestContainer_TrailerChecksum 测试任意字节篡改先被尾部校验和拦截
func TestContainer_TrailerChecksum(t *testing.T) {
	key, err := crypto.NewKey()
	require.NoError(t, err)

	blob := buildTestContainer(t, key,
		map[string][]byte{"classes.dex": []byte("payload bytes")},
		[]string{"classes.dex"})

	tampered := append([]byte(nil), blob...)
	tampered[headerSize+20] ^= 0x80

	_, err = NewReader(bytes.NewReader(tampered), int64(len(tampered)))
	assert.ErrorIs(t, err, ErrPayloadCorrupt)
}

// TestContainer_TamperedEntryFailsAuthentication 校验和被修复后，
// 篡改仍必须在该条目的 AEAD 验证上失败，且不影响其他条目
func TestContainer_TamperedEntryFailsAuthentication(t *testing.T) {
	key, err := crypto.NewKey()
	require.NoError(t, err)

	plain := map[string][]byte{
		"classes.dex":  bytes.Repeat([]byte("aa"), 100),
		"classes2.dex": bytes.Repeat([]byte("bb"), 100),
	}
	blob := buildTestContainer(t, key, plain, []string{"classes.dex", "classes2.dex"})

	r, err := NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)
	second, ok := r.Lookup("classes2.dex")
	require.True(t, ok)

	tampered := append([]byte(nil), blob...)
	tampered[second.ctOffset] ^= 0x01
	fixupTrailer(tampered)

	r, err = NewReader(bytes.NewReader(tampered), int64(len(tampered)))
	require.NoError(t, err, "fixed-up checksum must pass the cheap screen")

	_, err = r.OpenEntry(key, "classes2.dex")
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailure)

	got, err := r.OpenEntry(key, "classes.dex")
	require.NoError(t, err, "untampered entry must still decrypt")
	assert.Equal(t, plain["classes.dex"], got)
}

// TestContainer_Garbage 测试非容器数据
func TestContainer_Garbage(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xde, 0xad}, 64)
	_, err := NewReader(bytes.NewReader(garbage), int64(len(garbage)))
	assert.ErrorIs(t, err, ErrPayloadCorrupt)

	short := []byte("KAPP")
	_, err = NewReader(bytes.NewReader(short), int64(len(short)))
	assert.ErrorIs(t, err, ErrPayloadCorrupt)
}

// TestContainer_ForgedEntryCount 头部条目数被改大且校验和被重算的
// 容器必须在索引阶段报损坏，条目数不得被当作可信的分配依据
func TestContainer_ForgedEntryCount(t *testing.T) {
	key, err := crypto.NewKey()
	require.NoError(t, err)

	blob := buildTestContainer(t, key,
		map[string][]byte{"classes.dex": []byte("x")}, []string{"classes.dex"})
	binary.LittleEndian.PutUint32(blob[6:10], 0xFFFFFFFF)
	fixupTrailer(blob)

	_, err = NewReader(bytes.NewReader(blob), int64(len(blob)))
	assert.ErrorIs(t, err, ErrPayloadCorrupt)
}

// TestContainer_EntryNotFound 测试未知路径
func TestContainer_EntryNotFound(t *testing.T) {
	key, err := crypto.NewKey()
	require.NoError(t, err)

	blob := buildTestContainer(t, key,
		map[string][]byte{"classes.dex": []byte("x")}, []string{"classes.dex"})
	r, err := NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)

	_, err = r.OpenEntry(key, "classes9.dex")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
