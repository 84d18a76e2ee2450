// Package eventbus 事件总线类型定义
package eventbus

import "time"

const (
	// KeyRunEvents Run 事件流 Key 前缀
	KeyRunEvents = "run_events:"

	// MaxStreamLength Stream 最大长度（近似裁剪）
	MaxStreamLength = 1000

	// StreamTTL 终止事件写入后事件流的保留时长
	StreamTTL = 10 * time.Minute
)
