package pipeline

import (
	"hash/fnv"
	"strconv"
	"time"
)

// RetryDelay 第 attempt 次失败后的等待时长
//
// 指数退避，上限 MaxBackoff；抖动由 key 与 attempt 的哈希决定，同一输入结果稳定。
func RetryDelay(policy Policy, key string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := policy.BaseBackoff
	if base <= 0 {
		base = DefaultPolicy().BaseBackoff
	}
	maxDelay := policy.MaxBackoff
	if maxDelay < base {
		maxDelay = base
	}
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= maxDelay {
			base = maxDelay
			break
		}
	}

	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	h := fnv.New64a()
	h.Write([]byte(key + ":" + strconv.Itoa(attempt)))
	jitter := time.Duration(h.Sum64() % uint64(jitterMax))

	delay := base + jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
