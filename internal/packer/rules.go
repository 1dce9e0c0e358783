package packer

// builtinProtectionRules 内置的已知加固方案特征库。条目按 Priority
// 降序匹配，首条命中即返回
func builtinProtectionRules() []protectionRule {
	return []protectionRule{
		// 自家 shell 产物，靠 payload 资产精确识别
		{
			Name:       "kapp-shell",
			NativeLibs: []string{StubLibName},
			AppClasses: []string{StubApplicationClass},
			AssetHints: []string{BootstrapAssetPath},
			Priority:   200,
		},
		{
			Name:       "360加固",
			NativeLibs: []string{"libjiagu.so", "libjiagu_x86.so", "libjiagu_a64.so", "libjiagu_x64.so"},
			AppClasses: []string{"com.stub.StubApp"},
			AssetHints: []string{"assets/jiagu"},
			Priority:   100,
		},
		{
			Name:       "腾讯乐固",
			NativeLibs: []string{"libshella.so", "libshellx.so", "libtxmsecurity.so"},
			AppClasses: []string{"com.tencent.StubShell.TxAppEntry"},
			AssetHints: []string{"assets/tosversion", "assets/0OO00l111l1l"},
			Priority:   100,
		},
		{
			Name:       "爱加密",
			NativeLibs: []string{"libexec.so", "libexecmain.so"},
			AppClasses: []string{"com.shell.SuperApplication"},
			AssetHints: []string{"assets/ijiami"},
			Priority:   100,
		},
		{
			Name:       "梆梆加固",
			NativeLibs: []string{"libDexHelper.so", "libSecShell.so"},
			AppClasses: []string{"com.secneo.apkwrapper.ApplicationWrapper"},
			AssetHints: []string{"assets/secData"},
			Priority:   100,
		},
		{
			Name:       "娜迦加固",
			NativeLibs: []string{"libnaga.so", "libddog.so", "libedog.so"},
			AppClasses: []string{"com.nagapt.protect.StubApplication"},
			Priority:   95,
		},
		{
			Name:       "网易易盾",
			NativeLibs: []string{"libnesec.so", "libNetHTProtect.so"},
			AppClasses: []string{"com.netease.nis.wrapper.MyApplication"},
			Priority:   95,
		},
		{
			Name:       "百度加固",
			NativeLibs: []string{"libbaiduprotect.so"},
			AppClasses: []string{"com.baidu.protect.StubApplication"},
			Priority:   90,
		},
		{
			Name:       "几维安全",
			NativeLibs: []string{"libkwscmm.so", "libkwscr.so"},
			Priority:   85,
		},
	}
}
