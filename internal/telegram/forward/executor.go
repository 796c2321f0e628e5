package forward

import (
	"context"
	"fmt"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"
)

// Outcome 单条消息的处理结果
type Outcome int

const (
	OutcomeForwarded Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// ExecutorOptions 执行器参数
type ExecutorOptions struct {
	Path                string        // 指标标签：scan / realtime
	MaxTransientRetries int           // 网络错误最大重试次数
	Timeout             time.Duration // 单次请求超时
	Sleep               Sleeper
}

// Executor 复制单条视频消息，处理限流与重试
type Executor struct {
	path       string
	maxRetries int
	timeout    time.Duration
	sleep      Sleeper
}

// NewExecutor 创建执行器
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.MaxTransientRetries < 0 {
		opts.MaxTransientRetries = 0
	}
	return &Executor{
		path:       opts.Path,
		maxRetries: opts.MaxTransientRetries,
		timeout:    opts.Timeout,
		sleep:      opts.Sleep,
	}
}

// Forward 复制一条消息
// 非视频直接跳过；限流无限重试；网络错误有限重试；其余错误立即失败。
// 请求本身不受 ctx 取消影响，只有等待阶段会因取消而返回
func (e *Executor) Forward(ctx context.Context, sender Sender, msg Message, src, dst Peer) (Outcome, error) {
	if !msg.Video {
		metrics.ObserveForward(e.path, OutcomeSkipped.String())
		return OutcomeSkipped, nil
	}

	transient := 0
	for {
		err := e.copyOnce(ctx, sender, msg, src, dst)
		if err == nil {
			metrics.ObserveForward(e.path, OutcomeForwarded.String())
			return OutcomeForwarded, nil
		}

		if !shouldRetryForward(err) {
			metrics.ObserveForward(e.path, OutcomeFailed.String())
			return OutcomeFailed, err
		}

		var delay time.Duration
		if IsRateLimit(err) {
			delay = calculateForwardRetryDelay(err, 1, int64(msg.ID))
			metrics.ObserveRateLimit(delay)
			logger.L().Warnf("Rate limited copying message %d from %d to %d, waiting %v",
				msg.ID, src.ChatID, dst.ChatID, delay)
		} else {
			transient++
			if transient > e.maxRetries {
				metrics.ObserveForward(e.path, OutcomeFailed.String())
				return OutcomeFailed, fmt.Errorf("failed after %d retries: %w", e.maxRetries, err)
			}
			delay = calculateForwardRetryDelay(err, transient, int64(msg.ID))
			logger.L().Warnf("Copy attempt %d failed for message %d to %d: %v, retrying in %v",
				transient, msg.ID, dst.ChatID, err, delay)
		}

		if err := e.sleep(ctx, delay); err != nil {
			metrics.ObserveForward(e.path, OutcomeFailed.String())
			return OutcomeFailed, err
		}
	}
}

func (e *Executor) copyOnce(ctx context.Context, sender Sender, msg Message, src, dst Peer) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	return sender.Copy(callCtx, msg, src, dst, DefaultCopyOptions())
}
