package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// KeySize 保护密钥长度 (AES-256)
	KeySize = 32
	// NonceSize GCM nonce 长度
	NonceSize = 12
	// TagSize GCM 认证标签长度
	TagSize = 16
)

// ErrAuthenticationFailure 认证失败（密文或标签被篡改、AAD 不匹配）
var ErrAuthenticationFailure = errors.New("authentication failure")

// NewKey 生成一个全新的保护密钥（每次打包唯一）
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate protection key: %w", err)
	}
	return key, nil
}

// EncodeAAD 编码条目身份 (kind, logical path, ABI) 为关联数据
// 密文与声明的身份绑定，条目密文无法在加载时被重新标记为其他条目
func EncodeAAD(kind uint8, path, abi string) []byte {
	buf := make([]byte, 0, 1+2+len(path)+1+len(abi))
	buf = append(buf, kind)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(path)))
	buf = append(buf, path...)
	buf = append(buf, uint8(len(abi)))
	buf = append(buf, abi...)
	return buf
}

// Seal 加密并认证，返回 ciphertext||tag
func Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: %d", len(nonce))
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// Open 验证并解密。验证与解密对调用方是单个原子步骤：
// 任何失败都不返回部分明文
func Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// NonceSource nonce 生成器。同一密钥下必须保证唯一性
type NonceSource interface {
	Next() ([]byte, error)
}

// RandomNonceSource 随机 nonce（crypto/rand，96 位碰撞概率可忽略）
type RandomNonceSource struct{}

func (RandomNonceSource) Next() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// CounterNonceSource 单次构建内的单调计数 nonce：
// 4 字节随机前缀 + 8 字节递增计数，唯一性由计数器保证
type CounterNonceSource struct {
	mu      sync.Mutex
	prefix  [4]byte
	counter uint64
	seeded  bool
}

func (s *CounterNonceSource) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		if _, err := io.ReadFull(rand.Reader, s.prefix[:]); err != nil {
			return nil, fmt.Errorf("failed to seed nonce prefix: %w", err)
		}
		s.seeded = true
	}

	nonce := make([]byte, NonceSize)
	copy(nonce, s.prefix[:])
	binary.BigEndian.PutUint64(nonce[4:], s.counter)
	s.counter++
	return nonce, nil
}
