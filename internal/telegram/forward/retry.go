package forward

import (
	"context"
	"time"
)

const (
	// defaultForwardRetryDelay 限流错误未携带等待时长时使用
	defaultForwardRetryDelay = 3 * time.Second
	// maxForwardExponentialBackoff 网络错误退避上限
	maxForwardExponentialBackoff = 10 * time.Second
)

// calculateForwardRetryDelay 计算第 attempt 次失败后的等待时长
// 限流：服务端要求的时长 + 抖动；其他：1s, 2s, 4s ... 封顶 10s
func calculateForwardRetryDelay(err error, attempt int, seed int64) time.Duration {
	if wait, ok := retryAfter(err); ok {
		if wait <= 0 {
			wait = defaultForwardRetryDelay
		}
		return wait + forwardRetryJitter(seed)
	}

	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxForwardExponentialBackoff {
			return maxForwardExponentialBackoff
		}
	}
	return delay
}

// forwardRetryJitter 200ms ~ 1s 的确定性抖动，避免同时重试
func forwardRetryJitter(seed int64) time.Duration {
	if seed < 0 {
		seed = -seed
	}
	return time.Duration(seed%5+1) * 200 * time.Millisecond
}

// Sleeper 可取消的等待，测试中替换为记录型实现
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepContext 等待 d 或 ctx 取消
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
