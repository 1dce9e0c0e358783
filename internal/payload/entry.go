package payload

import "errors"

// Kind 条目类型
type Kind uint8

const (
	KindCode      Kind = 1 // dex 代码单元
	KindNativeLib Kind = 2 // Native 库
	KindAsset     Kind = 3 // 加密资产
)

func (k Kind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindNativeLib:
		return "native_lib"
	case KindAsset:
		return "asset"
	default:
		return "unknown"
	}
}

// AssetPath 容器在加固包内的固定资产路径
const AssetPath = "assets/kapp_payload.bin"

const (
	containerMagic   = "KAPP"
	containerVersion = 1

	flagCompressed = 0x01
)

var (
	// ErrPayloadCorrupt 容器校验失败（魔数缺失、尾部校验和不匹配、元数据越界）
	ErrPayloadCorrupt = errors.New("payload corrupt")
	// ErrEntryNotFound 按逻辑路径未找到条目
	ErrEntryNotFound = errors.New("payload entry not found")
)

// Entry 一个已加密条目。Nonce 在同一保护密钥下唯一，
// Ciphertext 末尾携带 GCM 认证标签，Digest 是明文的 SHA-256，
// 供解密缓存跨进程重启做内容校验
type Entry struct {
	Kind       Kind
	Path       string // 逻辑路径，如 "classes.dex"、"lib/arm64-v8a/libfoo.so"
	ABI        string // 仅 NATIVE_LIB 非空
	Compressed bool
	Nonce      []byte
	PlainSize  uint32
	Digest     [32]byte
	Ciphertext []byte
}
