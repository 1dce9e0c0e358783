package packer

// ProtectionInfo 输入包已有保护的检测结果
type ProtectionInfo struct {
	Detected   bool     `json:"detected"`    // 是否已被加固
	Name       string   `json:"name"`        // 识别出的加固方案
	Confidence float64  `json:"confidence"`  // 置信度 0-1
	Indicators []string `json:"indicators"`  // 命中的特征
}

// protectionRule 已知加固方案的特征规则
type protectionRule struct {
	Name       string   // 方案名
	NativeLibs []string // 特征 Native 库
	AppClasses []string // 特征应用入口类
	AssetHints []string // 特征资产路径子串
	Priority   int      // 越大越优先匹配
}
