package middleware

import (
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// highWaterMarkMB APK 整包驻留内存，超过该阈值说明有加固任务
// 把大文件整个读进了堆，需要告警
const highWaterMarkMB = 2048

// MemoryStats 进程内存快照
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前堆分配 (字节)
	TotalAlloc uint64 `json:"total_alloc"` // 累计分配
	Sys        uint64 `json:"sys"`         // 向系统申请的内存
	NumGC      uint32 `json:"num_gc"`      // GC 次数
	Goroutines int    `json:"goroutines"`  // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// MemoryMonitor 周期性采样进程内存。加固任务会把 dex 与 Native 库
// 整段载入内存做加密，采样用于观察并发任务下的峰值
type MemoryMonitor struct {
	logger   *logrus.Logger
	interval time.Duration

	mu    sync.RWMutex
	stats MemoryStats

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryMonitor 创建内存监控器
func NewMemoryMonitor(logger *logrus.Logger, interval time.Duration) *MemoryMonitor {
	return &MemoryMonitor{
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动采样循环
func (m *MemoryMonitor) Start() {
	go m.run()
}

// Stop 停止采样，可重复调用
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *MemoryMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *MemoryMonitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snapshot := MemoryStats{
		Alloc:      ms.Alloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mu.Lock()
	m.stats = snapshot
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   snapshot.AllocMB,
		"sys_mb":     snapshot.SysMB,
		"num_gc":     snapshot.NumGC,
		"goroutines": snapshot.Goroutines,
	}).Debug("Memory stats")

	if snapshot.AllocMB > highWaterMarkMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb": snapshot.AllocMB,
			"sys_mb":   snapshot.SysMB,
		}).Warn("High memory usage, check concurrent pack jobs")
	}
}

// GetStats 获取最近一次采样
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// MetricsEndpoint 内存快照端点
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"memory": m.GetStats(),
		})
	}
}

// ForceGC 手动触发 GC，用于大任务结束后回收整包缓冲
func ForceGC() gin.HandlerFunc {
	return func(c *gin.Context) {
		runtime.GC()
		c.JSON(200, gin.H{
			"message": "GC triggered successfully",
		})
	}
}
