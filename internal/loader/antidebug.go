package loader

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AntiDebugPolicy 调试探测的处置策略
type AntiDebugPolicy int

const (
	// AntiDebugIgnore 不探测
	AntiDebugIgnore AntiDebugPolicy = iota
	// AntiDebugLogOnly 探测并记录，不中断启动
	AntiDebugLogOnly
	// AntiDebugAbort 探测到调试器立即终止启动
	AntiDebugAbort
)

func (p AntiDebugPolicy) String() string {
	switch p {
	case AntiDebugLogOnly:
		return "log-only"
	case AntiDebugAbort:
		return "abort"
	default:
		return "ignore"
	}
}

// TracerPID 读取当前进程的 TracerPid，非 0 表示被 ptrace 附加。
// 探测结果是建议性的，决定权在策略
func TracerPID() (int, error) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, fmt.Errorf("read process status: %w", err)
	}
	return parseTracerPID(data)
}

func parseTracerPID(status []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(status))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:"))
		pid, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("parse tracer pid %q: %w", value, err)
		}
		return pid, nil
	}
	return 0, fmt.Errorf("tracer pid not found in process status")
}
