package delegation

import (
	"fmt"

	"github.com/kapp-shell/apk-harden-go/internal/loader"
)

// SwapStrategy 按平台版本替换平台持有的应用实例引用。替换必须整体
// 生效：任一槽位失败时已替换的槽位回滚到壳实例。
type SwapStrategy interface {
	Name() string
	Swap(host Host, original AppInstance) error
}

// 记录槽位布局在该版本引入提供者侧引用
const providerRecordsAPILevel = 24

// SelectSwapStrategy 已知版本返回对应策略，未知版本拒绝而非猜测
func SelectSwapStrategy(apiLevel int) (SwapStrategy, error) {
	switch {
	case apiLevel >= providerRecordsAPILevel:
		return recordSwap{name: "record-swap"}, nil
	case apiLevel >= 1:
		return recordSwap{name: "legacy-record-swap"}, nil
	default:
		return nil, fmt.Errorf("%w: no swap strategy for api level %d",
			loader.ErrUnsupportedPlatformCapability, apiLevel)
	}
}

type recordSwap struct {
	name string
}

func (s recordSwap) Name() string { return s.name }

func (s recordSwap) Swap(host Host, original AppInstance) error {
	slots := host.ApplicationRecords()
	swapped := make([]struct {
		slot RecordSlot
		prev AppInstance
	}, 0, len(slots))

	for i, slot := range slots {
		prev := slot.Get()
		if err := slot.Set(original); err != nil {
			for j := len(swapped) - 1; j >= 0; j-- {
				// 回滚尽力而为：失败的槽位保持原状
				_ = swapped[j].slot.Set(swapped[j].prev)
			}
			return fmt.Errorf("swap application record %d: %w", i, err)
		}
		swapped = append(swapped, struct {
			slot RecordSlot
			prev AppInstance
		}{slot, prev})
	}
	return nil
}
