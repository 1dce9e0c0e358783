package loader

import "errors"

// 运行期错误全部致命：不存在"降级但继续运行"的模式，
// 部分解密或未验证的代码绝不执行
var (
	// ErrUnsupportedPlatformCapability 平台能力级别无法映射到任何加载策略
	ErrUnsupportedPlatformCapability = errors.New("unsupported platform capability")
	// ErrNativeLibMissingForABI 当前 ABI 下没有该 Native 库的条目
	ErrNativeLibMissingForABI = errors.New("native library missing for abi")
)
