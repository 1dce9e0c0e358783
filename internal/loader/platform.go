package loader

// Platform 宿主平台边界。运行期加载器通过该接口访问宿主环境，
// 真实环境由 JNI 侧实现，测试中用内存假实现替代。
type Platform interface {
	// APILevel 平台能力级别
	APILevel() int
	// ABI 当前进程的首选 ABI，如 "arm64-v8a"
	ABI() string
	// PackagePath 已安装加固包的 zip 路径
	PackagePath() string
	// PrivateDir 应用私有可写目录
	PrivateDir() string
	// MetaData 读取宿主清单中的 meta-data 值，缺失返回空串
	MetaData(key string) string
}

// CodeRegistrar 代码注册边界。将解密后的代码单元注入宿主的类加载链，
// 注册顺序必须与传入顺序一致。
type CodeRegistrar interface {
	// RegisterFromMemory 内存直载：按序注册字节缓冲，不落盘
	RegisterFromMemory(units [][]byte, nativeDir string) error
	// RegisterFromFiles 文件加载：按序注册已写入私有目录的文件
	RegisterFromFiles(paths []string, nativeDir string) error
}
