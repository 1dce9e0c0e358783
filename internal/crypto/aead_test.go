package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSealOpen_RoundTrip 测试加解密往返
func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	nonce, err := (RandomNonceSource{}).Next()
	require.NoError(t, err)

	aad := EncodeAAD(1, "classes.dex", "")
	plaintext := []byte("dex bytecode goes here")

	ciphertext, err := Seal(key, nonce, aad, plaintext)
	require.NoError(t, err)
	assert.Equal(t, len(plaintext)+TagSize, len(ciphertext), "ciphertext should carry the GCM tag")

	got, err := Open(key, nonce, aad, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

// TestOpen_TamperDetection 测试篡改检测：翻转任意一位都必须失败
func TestOpen_TamperDetection(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	nonce, err := (RandomNonceSource{}).Next()
	require.NoError(t, err)

	aad := EncodeAAD(2, "lib/arm64-v8a/libexample.so", "arm64-v8a")
	ciphertext, err := Seal(key, nonce, aad, []byte("native code"))
	require.NoError(t, err)

	for i := 0; i < len(ciphertext); i++ {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		_, err := Open(key, nonce, aad, tampered)
		assert.ErrorIs(t, err, ErrAuthenticationFailure, "bit flip at byte %d must be detected", i)
	}
}

// TestOpen_AADBinding 测试密文与条目身份绑定：换标签的密文必须被拒绝
func TestOpen_AADBinding(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	nonce, err := (RandomNonceSource{}).Next()
	require.NoError(t, err)

	ciphertext, err := Seal(key, nonce, EncodeAAD(1, "classes.dex", ""), []byte("payload"))
	require.NoError(t, err)

	// 同内容、不同逻辑路径
	_, err = Open(key, nonce, EncodeAAD(1, "classes2.dex", ""), ciphertext)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)

	// 同路径、不同 kind
	_, err = Open(key, nonce, EncodeAAD(2, "classes.dex", ""), ciphertext)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

// TestCounterNonceSource_Unique 测试计数 nonce 源的唯一性
func TestCounterNonceSource_Unique(t *testing.T) {
	src := &CounterNonceSource{}
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		nonce, err := src.Next()
		require.NoError(t, err)
		require.Len(t, nonce, NonceSize)
		assert.False(t, seen[string(nonce)], "nonce reuse at iteration %d", i)
		seen[string(nonce)] = true
	}
}

// TestFragmentKeyStrategy_RoundTrip 测试片段派生策略：还原结果与生成时一致
func TestFragmentKeyStrategy_RoundTrip(t *testing.T) {
	strategy := FragmentKeyStrategy{}

	key, material, err := strategy.Provision()
	require.NoError(t, err)
	require.Len(t, key, KeySize)

	resolved, err := strategy.Resolve(material)
	require.NoError(t, err)
	assert.Equal(t, key, resolved)

	// 材料被截断时必须失败而不是派生出错误密钥
	_, err = strategy.Resolve(material[:len(material)-1])
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

// TestStaticKeyStrategy 测试静态策略
func TestStaticKeyStrategy(t *testing.T) {
	strategy := StaticKeyStrategy{}

	key, material, err := strategy.Provision()
	require.NoError(t, err)

	resolved, err := strategy.Resolve(material)
	require.NoError(t, err)
	assert.Equal(t, key, resolved)
}
