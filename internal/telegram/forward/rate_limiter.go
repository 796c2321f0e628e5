package forward

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter Token Bucket 速率限制器
// 用于控制 Bot API 发送频率，避免触发 Telegram 限制
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter 创建速率限制器
// ratePerSecond: 每秒允许的请求数（例如 25 表示每秒 25 个请求），突发容量与之相同
func NewRateLimiter(ratePerSecond int) *RateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 25
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
	}
}

// Wait 等待获取令牌（阻塞直到有可用令牌或上下文取消）
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
