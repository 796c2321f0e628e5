package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"
	"relay_bot/internal/telegram/models"
	"relay_bot/internal/telegram/repository"

	"github.com/sirupsen/logrus"
)

// ScanOptions 扫描参数
type ScanOptions struct {
	PageSize            int
	PauseEvery          int           // 每成功转发多少条暂停一次
	PauseDuration       time.Duration // 暂停时长
	MaxTransientRetries int
	Timeout             time.Duration // 单次网络请求超时
	Sleep               Sleeper
}

// ScanJob 一条规则的扫描输入
type ScanJob struct {
	TaskID    string
	Rule      models.RuleKey
	Transport Transport
	Resolver  *Resolver

	// OnFailure 单条消息失败时回调（可为空）
	OnFailure func(messageID int, err error)
	// OnOutcome 每条消息处理后回调（可为空）
	OnOutcome func(outcome Outcome)
}

// ScanResult 一条规则的扫描结果
type ScanResult struct {
	State            models.ScanState
	Forwarded        int
	Skipped          int
	Failed           int
	CheckpointBefore int
	CheckpointAfter  int
	PendingRanges    []models.Range
	Err              error
}

// ScanEngine 倒序扫描历史并复制视频，维护断点与待补扫区间
type ScanEngine struct {
	rules    repository.RuleRepository
	executor *Executor

	pageSize      int
	pauseEvery    int
	pauseDuration time.Duration
	maxRetries    int
	timeout       time.Duration
	sleep         Sleeper
}

// NewScanEngine 创建扫描引擎
func NewScanEngine(rules repository.RuleRepository, opts ScanOptions) *ScanEngine {
	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &ScanEngine{
		rules: rules,
		executor: NewExecutor(ExecutorOptions{
			Path:                metrics.PathScan,
			MaxTransientRetries: opts.MaxTransientRetries,
			Timeout:             opts.Timeout,
			Sleep:               opts.Sleep,
		}),
		pageSize:      opts.PageSize,
		pauseEvery:    opts.PauseEvery,
		pauseDuration: opts.PauseDuration,
		maxRetries:    opts.MaxTransientRetries,
		timeout:       opts.Timeout,
		sleep:         opts.Sleep,
	}
}

// walkStop 区间遍历结束原因
type walkStop int

const (
	walkDone walkStop = iota
	walkCancelled
	walkFailed
)

// scanRun 单次规则扫描的可变状态
type scanRun struct {
	job          ScanJob
	src, dst     Peer
	checkpoint   int
	maxForwarded int
	result       *ScanResult
	log          *logrus.Entry
}

// Run 扫描一条规则，ctx 取消后在下一条消息前停止并提交已完成的进度
func (e *ScanEngine) Run(ctx context.Context, job ScanJob) *ScanResult {
	log := logger.Task(job.TaskID, job.Rule.SourceChatID, job.Rule.DestinationChatID)
	result := &ScanResult{State: models.ScanStateRunning}

	if ctx.Err() != nil {
		result.State = models.ScanStateCancelled
		return result
	}

	src, err := job.Resolver.Resolve(ctx, job.Rule.SourceChatID)
	if err != nil {
		return failResult(result, fmt.Errorf("source: %w", err))
	}
	dst, err := job.Resolver.Resolve(ctx, job.Rule.DestinationChatID)
	if err != nil {
		return failResult(result, fmt.Errorf("destination: %w", err))
	}

	// 准入之后重新读取，拿到最新断点
	rule, err := e.rules.Get(context.WithoutCancel(ctx), job.Rule)
	if err != nil {
		return failResult(result, err)
	}

	run := &scanRun{
		job:        job,
		src:        src,
		dst:        dst,
		checkpoint: rule.LastProcessedMessageID,
		result:     result,
		log:        log,
	}
	result.CheckpointBefore = run.checkpoint
	result.CheckpointAfter = run.checkpoint

	segments := buildSegments(run.checkpoint, rule.PendingRanges)
	log.Infof("Scan started: checkpoint=%d, pending_ranges=%d", run.checkpoint, len(segments)-1)

	var pending []models.Range
	state := models.ScanStateCompleted
	for i, seg := range segments {
		walk := newSegmentWalk(seg)
		stop, err := e.walk(ctx, run, walk)
		walk.closeFailure()
		pending = append(pending, walk.failures...)

		if stop == walkDone {
			continue
		}

		// 中断：保留当前区间剩余部分以及尚未开始的区间
		if rg, ok := walk.remainder(run.maxForwarded > 0); ok {
			pending = append(pending, rg)
		}
		for _, rest := range segments[i+1:] {
			pending = append(pending, models.Range{After: rest.after, Before: rest.before})
		}

		if stop == walkCancelled {
			state = models.ScanStateCancelled
		} else {
			state = models.ScanStateFailed
			result.Err = err
		}
		break
	}

	newCheckpoint := run.checkpoint
	if run.maxForwarded > newCheckpoint {
		newCheckpoint = run.maxForwarded
	}
	pending = normalizeRanges(pending, newCheckpoint)

	matched, err := e.rules.CommitScan(context.WithoutCancel(ctx), job.Rule, run.maxForwarded, pending)
	if err != nil {
		result.State = models.ScanStateFailed
		result.Err = errors.Join(result.Err, err)
		return result
	}
	if !matched {
		log.Warnf("Rule was removed during scan, progress discarded")
	}

	result.State = state
	result.CheckpointAfter = newCheckpoint
	result.PendingRanges = pending
	log.Infof("Scan finished: state=%s, forwarded=%d, skipped=%d, failed=%d, checkpoint=%d, pending_ranges=%d",
		state, result.Forwarded, result.Skipped, result.Failed, newCheckpoint, len(pending))
	return result
}

// walk 倒序遍历一个区间
func (e *ScanEngine) walk(ctx context.Context, run *scanRun, w *segmentWalk) (walkStop, error) {
	it := newHistoryIter(e.historyFetcher(run.job.Transport, run.src), w.seg.before)
	run.log.Debugf("Walking segment %s", w.seg)

	for {
		if ctx.Err() != nil {
			return walkCancelled, nil
		}
		if !it.Next(ctx) {
			if err := it.Err(); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return walkCancelled, nil
				}
				return walkFailed, err
			}
			return walkDone, nil
		}

		msg := it.Value()
		if msg.ID <= w.seg.after {
			return walkDone, nil
		}

		outcome, err := e.executor.Forward(ctx, run.job.Transport, msg, run.src, run.dst)
		switch outcome {
		case OutcomeForwarded:
			run.result.Forwarded++
			if msg.ID > run.maxForwarded {
				run.maxForwarded = msg.ID
			}
			w.closeFailure()
			w.processed(msg.ID)
		case OutcomeSkipped:
			run.result.Skipped++
			w.processed(msg.ID)
		case OutcomeFailed:
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return walkCancelled, nil
			}
			if errors.Is(err, ErrCredentialExpired) {
				return walkFailed, err
			}

			run.result.Failed++
			// 最新区间中，首次转发之前的失败消息高于新断点，下次扫描会重新覆盖
			if !w.seg.top || run.maxForwarded > 0 {
				w.failed(msg.ID)
			}
			w.processed(msg.ID)
			run.log.Warnf("Failed to copy message %d: %v", msg.ID, err)
			if run.job.OnFailure != nil {
				run.job.OnFailure(msg.ID, err)
			}
		}
		if run.job.OnOutcome != nil {
			run.job.OnOutcome(outcome)
		}

		if outcome == OutcomeForwarded && e.pauseEvery > 0 && run.result.Forwarded%e.pauseEvery == 0 {
			run.log.Infof("Forwarded %d messages, pausing %v", run.result.Forwarded, e.pauseDuration)
			if err := e.sleep(ctx, e.pauseDuration); err != nil {
				return walkCancelled, nil
			}
		}
	}
}

func failResult(result *ScanResult, err error) *ScanResult {
	result.State = models.ScanStateFailed
	result.Err = err
	return result
}
