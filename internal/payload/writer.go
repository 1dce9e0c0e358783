package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/kapp-shell/apk-harden-go/internal/crypto"
)

// SealEntry 压缩（可选）并加密一个条目。AAD 绑定条目身份，
// 压缩仅在确实变小时生效
func SealEntry(key []byte, nonces crypto.NonceSource, kind Kind, path, abi string, plaintext []byte, compress bool) (Entry, error) {
	data := plaintext
	compressed := false

	if compress {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(plaintext); err != nil {
			return Entry{}, fmt.Errorf("lz4 compress %s: %w", path, err)
		}
		if err := zw.Close(); err != nil {
			return Entry{}, fmt.Errorf("lz4 compress %s: %w", path, err)
		}
		if buf.Len() < len(plaintext) {
			data = buf.Bytes()
			compressed = true
		}
	}

	nonce, err := nonces.Next()
	if err != nil {
		return Entry{}, err
	}

	ciphertext, err := crypto.Seal(key, nonce, crypto.EncodeAAD(uint8(kind), path, abi), data)
	if err != nil {
		return Entry{}, fmt.Errorf("seal %s: %w", path, err)
	}

	return Entry{
		Kind:       kind,
		Path:       path,
		ABI:        abi,
		Compressed: compressed,
		Nonce:      nonce,
		PlainSize:  uint32(len(plaintext)),
		Digest:     sha256.Sum256(plaintext),
		Ciphertext: ciphertext,
	}, nil
}

// Builder 按序组装 Payload Container。CODE 条目的追加顺序
// 必须是原始 dex 加载顺序，容器一经写出不可变
type Builder struct {
	entries []Entry
}

// Append 追加一个条目
func (b *Builder) Append(e Entry) {
	b.entries = append(b.entries, e)
}

// Len 已追加条目数
func (b *Builder) Len() int {
	return len(b.entries)
}

// WriteTo 序列化容器：头 + 有序条目 + 尾部校验和。
// 校验和 (xxhash64) 覆盖其前的全部字节，供读取方先做廉价完整性筛查
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	digest := xxhash.New()
	mw := io.MultiWriter(w, digest)
	var written int64

	count := func(n int, err error) error {
		written += int64(n)
		return err
	}

	// Header
	if err := count(mw.Write([]byte(containerMagic))); err != nil {
		return written, err
	}
	var fixed [6]byte
	binary.LittleEndian.PutUint16(fixed[0:2], containerVersion)
	binary.LittleEndian.PutUint32(fixed[2:6], uint32(len(b.entries)))
	if err := count(mw.Write(fixed[:])); err != nil {
		return written, err
	}

	for _, e := range b.entries {
		if err := writeEntry(mw, &e, count); err != nil {
			return written, err
		}
	}

	// Trailer: checksum + trailing magic
	var trailer [8 + 4]byte
	binary.LittleEndian.PutUint64(trailer[:8], digest.Sum64())
	copy(trailer[8:], containerMagic)
	if err := count(w.Write(trailer[:])); err != nil {
		return written, err
	}

	return written, nil
}

func writeEntry(w io.Writer, e *Entry, count func(int, error) error) error {
	if len(e.Path) > 0xFFFF {
		return fmt.Errorf("entry path too long: %s", e.Path)
	}
	if len(e.ABI) > 0xFF {
		return fmt.Errorf("entry abi too long: %s", e.ABI)
	}
	if len(e.Nonce) != crypto.NonceSize {
		return fmt.Errorf("entry %s: invalid nonce size %d", e.Path, len(e.Nonce))
	}

	var flags uint8
	if e.Compressed {
		flags |= flagCompressed
	}

	meta := make([]byte, 0, 4+len(e.Path)+len(e.ABI)+crypto.NonceSize+len(e.Digest)+8)
	meta = append(meta, uint8(e.Kind))
	meta = binary.LittleEndian.AppendUint16(meta, uint16(len(e.Path)))
	meta = append(meta, e.Path...)
	meta = append(meta, uint8(len(e.ABI)))
	meta = append(meta, e.ABI...)
	meta = append(meta, flags)
	meta = append(meta, e.Nonce...)
	meta = append(meta, e.Digest[:]...)
	meta = binary.LittleEndian.AppendUint32(meta, e.PlainSize)
	meta = binary.LittleEndian.AppendUint32(meta, uint32(len(e.Ciphertext)))

	if err := count(w.Write(meta)); err != nil {
		return err
	}
	return count(w.Write(e.Ciphertext))
}
