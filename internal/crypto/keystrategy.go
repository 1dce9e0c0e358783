package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrKeyUnavailable 无法从引导材料还原保护密钥
var ErrKeyUnavailable = errors.New("protection key unavailable")

// KeyStrategy 密钥静态保护策略（可插拔）。
// Provision 在打包期生成密钥和嵌入 stub 的引导材料；
// Resolve 在加载期从同一份材料还原出密钥。
type KeyStrategy interface {
	Name() string
	Provision() (key []byte, material []byte, err error)
	Resolve(material []byte) ([]byte, error)
}

const (
	fragmentCount = 4
	fragmentSize  = 32

	hkdfInfo = "kapp.protection-key.v1"
)

// FragmentKeyStrategy 默认策略：密钥从多个嵌入片段经 HKDF-SHA256 派生，
// 单个片段泄露不足以还原密钥
type FragmentKeyStrategy struct{}

func (FragmentKeyStrategy) Name() string { return "fragment-hkdf" }

func (FragmentKeyStrategy) Provision() ([]byte, []byte, error) {
	material := make([]byte, fragmentCount*fragmentSize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, nil, fmt.Errorf("failed to generate key fragments: %w", err)
	}

	key, err := deriveFromFragments(material)
	if err != nil {
		return nil, nil, err
	}
	return key, material, nil
}

func (FragmentKeyStrategy) Resolve(material []byte) ([]byte, error) {
	return deriveFromFragments(material)
}

func deriveFromFragments(material []byte) ([]byte, error) {
	if len(material) != fragmentCount*fragmentSize {
		return nil, ErrKeyUnavailable
	}

	// 首片段作 salt，其余作 IKM
	salt := material[:fragmentSize]
	ikm := material[fragmentSize:]

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, ikm, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// StaticKeyStrategy 材料即密钥本身。仅用于测试与调试构建
type StaticKeyStrategy struct{}

func (StaticKeyStrategy) Name() string { return "static" }

func (StaticKeyStrategy) Provision() ([]byte, []byte, error) {
	key, err := NewKey()
	if err != nil {
		return nil, nil, err
	}
	material := make([]byte, KeySize)
	copy(material, key)
	return key, material, nil
}

func (StaticKeyStrategy) Resolve(material []byte) ([]byte, error) {
	if len(material) != KeySize {
		return nil, ErrKeyUnavailable
	}
	key := make([]byte, KeySize)
	copy(key, material)
	return key, nil
}
