package loader

import "fmt"

// Strategy 代码加载策略
type Strategy int

const (
	// StrategyUnsupported 无法加载
	StrategyUnsupported Strategy = iota
	// StrategyInMemory 内存直载，解密后的 DEX 不落盘
	StrategyInMemory
	// StrategyFileBased 文件加载，解密后的 DEX 写入私有目录
	StrategyFileBased
)

// 内存加载要求的最小 API 级别
const inMemoryMinAPILevel = 26

func (s Strategy) String() string {
	switch s {
	case StrategyInMemory:
		return "in-memory"
	case StrategyFileBased:
		return "file-based"
	default:
		return "unsupported"
	}
}

// SelectStrategy 按能力级别选择加载策略。纯函数：相同输入恒返回相同结果。
// 级别 >= 26 内存直载，1..25 文件加载，<= 0 不支持。
func SelectStrategy(apiLevel int) (Strategy, error) {
	switch {
	case apiLevel >= inMemoryMinAPILevel:
		return StrategyInMemory, nil
	case apiLevel >= 1:
		return StrategyFileBased, nil
	default:
		return StrategyUnsupported, fmt.Errorf("%w: api level %d", ErrUnsupportedPlatformCapability, apiLevel)
	}
}
