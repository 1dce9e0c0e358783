package bundle

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// 清单中的委托元数据键，加载器按名读取
const (
	MetaKeyOriginalApplication = "kapp.original_application"
	MetaKeyOriginalFactory     = "kapp.original_factory"
)

// DefaultApplicationClass 清单未声明应用类时的平台默认委托名
const DefaultApplicationClass = "android.app.Application"

// Manifest 解码后清单的解析视图。
// 打包管线工作在已解码 (apktool) 的 XML 上，与原始构建流程一致；
// 二进制 AXML 输入视为解析失败
type Manifest struct {
	Package          string
	Split            string
	ApplicationClass string // 未声明时为空
	ComponentFactory string // android:appComponentFactory，未声明时为空
	MinSDK           int
	TargetSDK        int

	doc *etree.Document
}

// ParseManifest 解析清单 XML
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) >= 4 && data[0] == 0x03 && data[1] == 0x00 {
		return nil, fmt.Errorf("%w: binary AndroidManifest.xml, decode the package first", ErrParse)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrParse, err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "manifest" {
		return nil, fmt.Errorf("%w: no <manifest> root", ErrParse)
	}
	app := root.SelectElement("application")
	if app == nil {
		return nil, fmt.Errorf("%w: no <application> element", ErrParse)
	}

	m := &Manifest{
		Package:          root.SelectAttrValue("package", ""),
		Split:            root.SelectAttrValue("split", ""),
		ApplicationClass: app.SelectAttrValue("android:name", ""),
		ComponentFactory: app.SelectAttrValue("android:appComponentFactory", ""),
		doc:              doc,
	}

	if sdk := root.SelectElement("uses-sdk"); sdk != nil {
		m.MinSDK = atoiOrZero(sdk.SelectAttrValue("android:minSdkVersion", ""))
		m.TargetSDK = atoiOrZero(sdk.SelectAttrValue("android:targetSdkVersion", ""))
	}

	return m, nil
}

// StubSpec 注入清单的 stub 身份
type StubSpec struct {
	ApplicationClass string // 替换后的入口应用类
	ComponentFactory string // 安装为活动组件工厂
	ProviderClass    string // 提前引导用的 ContentProvider
}

// Patch 改写清单：入口换成 stub，写入委托元数据，装配引导 provider。
// 返回改写后的 XML。原应用类缺失时元数据记录空值，由加载器回退
func (m *Manifest) Patch(stub StubSpec) ([]byte, error) {
	app := m.doc.Root().SelectElement("application")
	if app == nil {
		return nil, fmt.Errorf("%w: no <application> element", ErrParse)
	}

	app.RemoveAttr("android:name")
	app.CreateAttr("android:name", stub.ApplicationClass)

	if stub.ComponentFactory != "" {
		app.RemoveAttr("android:appComponentFactory")
		app.CreateAttr("android:appComponentFactory", stub.ComponentFactory)
	}

	setMetaData(app, MetaKeyOriginalApplication, m.ApplicationClass)
	if m.ComponentFactory != "" {
		setMetaData(app, MetaKeyOriginalFactory, m.ComponentFactory)
	}

	if stub.ProviderClass != "" {
		ensureProvider(app, stub.ProviderClass)
	}

	m.doc.Indent(4)
	return m.doc.WriteToBytes()
}

func setMetaData(app *etree.Element, key, value string) {
	for _, meta := range app.SelectElements("meta-data") {
		if meta.SelectAttrValue("android:name", "") == key {
			meta.RemoveAttr("android:value")
			meta.CreateAttr("android:value", value)
			return
		}
	}
	meta := app.CreateElement("meta-data")
	meta.CreateAttr("android:name", key)
	meta.CreateAttr("android:value", value)
}

// ensureProvider 装配 stub 引导 provider，initOrder 保证最先初始化
func ensureProvider(app *etree.Element, providerClass string) {
	for _, p := range app.SelectElements("provider") {
		if p.SelectAttrValue("android:name", "") == providerClass {
			return
		}
	}
	p := app.CreateElement("provider")
	p.CreateAttr("android:name", providerClass)
	p.CreateAttr("android:authorities", "${applicationId}.kapp-bootstrap")
	p.CreateAttr("android:exported", "false")
	p.CreateAttr("android:initOrder", "1000")
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
