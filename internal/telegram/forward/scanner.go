package forward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"
	"relay_bot/internal/telegram/models"
	"relay_bot/internal/telegram/repository"

	"golang.org/x/sync/errgroup"
)

// ScannerOptions 扫描调度参数
type ScannerOptions struct {
	Concurrency    int           // 同时扫描的规则数
	Timeout        time.Duration // 会话解析超时
	ConnectTimeout time.Duration // 建立用户 session 的超时，0 表示默认 2 分钟
}

// StartReport /scan 的受理结果
type StartReport struct {
	Started        []models.RuleKey
	AlreadyRunning []models.RuleKey
}

// Scanner 用户级扫描调度：一次 /scan 打开一个 session，按规则并发扫描
type Scanner struct {
	rules          repository.RuleRepository
	runs           repository.ScanRunRepository
	credentials    CredentialSource
	opener         SessionOpener
	registry       *Registry
	engine         *ScanEngine
	notifier       Notifier
	concurrency    int
	timeout        time.Duration
	connectTimeout time.Duration

	wg sync.WaitGroup
}

// NewScanner 创建扫描调度器
func NewScanner(
	rules repository.RuleRepository,
	runs repository.ScanRunRepository,
	credentials CredentialSource,
	opener SessionOpener,
	registry *Registry,
	engine *ScanEngine,
	notifier Notifier,
	opts ScannerOptions,
) *Scanner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Minute
	}
	return &Scanner{
		rules:          rules,
		runs:           runs,
		credentials:    credentials,
		opener:         opener,
		registry:       registry,
		engine:         engine,
		notifier:       notifier,
		concurrency:    opts.Concurrency,
		timeout:        opts.Timeout,
		connectTimeout: opts.ConnectTimeout,
	}
}

// Start 受理用户的扫描请求，立即返回，扫描在后台进行
func (s *Scanner) Start(ctx context.Context, ownerID, notifyChatID int64) (*StartReport, error) {
	credential, err := s.credentials.Load(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	rules, err := s.rules.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	report := &StartReport{}
	tasks := make([]*Task, 0, len(rules))
	for _, rule := range rules {
		task, ok := s.registry.TryStart(rule.Key())
		if !ok {
			report.AlreadyRunning = append(report.AlreadyRunning, rule.Key())
			continue
		}
		tasks = append(tasks, task)
		report.Started = append(report.Started, rule.Key())
	}

	if len(tasks) == 0 {
		return report, nil
	}

	logger.L().Infof("Scan accepted: owner=%d, rules=%d, already_running=%d",
		ownerID, len(tasks), len(report.AlreadyRunning))

	s.wg.Add(1)
	go s.run(credential, tasks, notifyChatID)
	return report, nil
}

// scanSummary 一次 /scan 的汇总
type scanSummary struct {
	mu        sync.Mutex
	completed int
	cancelled int
	failed    int
	forwarded int
}

func (sum *scanSummary) add(result *ScanResult) {
	sum.mu.Lock()
	defer sum.mu.Unlock()

	sum.forwarded += result.Forwarded
	switch result.State {
	case models.ScanStateCompleted:
		sum.completed++
	case models.ScanStateCancelled:
		sum.cancelled++
	default:
		sum.failed++
	}
}

var errConnectTimeout = errors.New("connect timeout")

// watchSession 所有任务都被取消（/stop、Shutdown）或建连超时后关闭 session
func (s *Scanner) watchSession(sessionCtx context.Context, cancel context.CancelFunc, tasks []*Task, connected <-chan struct{}, timedOut *atomic.Bool) {
	go func() {
		for _, task := range tasks {
			select {
			case <-task.Context().Done():
			case <-sessionCtx.Done():
				return
			}
		}
		cancel()
	}()

	go func() {
		timer := time.NewTimer(s.connectTimeout)
		defer timer.Stop()

		select {
		case <-connected:
		case <-sessionCtx.Done():
		case <-timer.C:
			timedOut.Store(true)
			cancel()
		}
	}()
}

func (s *Scanner) run(credential []byte, tasks []*Task, notifyChatID int64) {
	defer s.wg.Done()

	sessionCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connected := make(chan struct{})
	var timedOut, finished atomic.Bool
	s.watchSession(sessionCtx, cancel, tasks, connected, &timedOut)

	summary := &scanSummary{}
	err := s.opener.Run(sessionCtx, credential, func(ctx context.Context, t Transport) error {
		close(connected)
		defer finished.Store(true)

		resolver := NewResolver(t, s.timeout)

		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for _, task := range tasks {
			task := task
			g.Go(func() error {
				result := s.runTask(task, t, resolver, notifyChatID)
				summary.add(result)
				if errors.Is(result.Err, ErrCredentialExpired) {
					// session 失效，本次扫描的其他规则全部停止
					for _, other := range tasks {
						other.Cancel()
					}
				}
				return nil
			})
		}
		return g.Wait()
	})
	notifyCtx := context.WithoutCancel(sessionCtx)

	switch {
	case finished.Load():
		// 任务都已执行完，关闭 session 时的错误不影响结果
		if err != nil {
			logger.L().Debugf("Scan session closed: %v", err)
		}
		err = nil
	case timedOut.Load():
		err = fmt.Errorf("%w after %v", errConnectTimeout, s.connectTimeout)
	case err == nil:
		err = errors.New("session closed before scan started")
	}
	if err != nil && !allCancelled(tasks) {
		logger.L().Errorf("Scan session failed: %v", err)
		s.notifier.Notify(notifyCtx, notifyChatID, fmt.Sprintf("❌ 无法建立用户 session: %v\n请使用 /login 重新登录", err))
	}

	// session 建立前被取消或建立失败的任务
	for _, task := range tasks {
		result := &ScanResult{State: models.ScanStateFailed, Err: fmt.Errorf("session: %w", err)}
		if task.Context().Err() != nil && !timedOut.Load() {
			result = &ScanResult{State: models.ScanStateCancelled}
		}
		if s.registry.Finish(task, result.State) {
			summary.add(result)
			s.persist(task, result)
			s.notifier.Notify(notifyCtx, notifyChatID, formatScanResult(task.Rule, result))
		}
	}

	summary.mu.Lock()
	text := fmt.Sprintf("📊 扫描结束\n完成: %d\n取消: %d\n失败: %d\n共转发: %d 条",
		summary.completed, summary.cancelled, summary.failed, summary.forwarded)
	summary.mu.Unlock()
	s.notifier.Notify(notifyCtx, notifyChatID, text)
}

func allCancelled(tasks []*Task) bool {
	for _, task := range tasks {
		if task.Context().Err() == nil {
			return false
		}
	}
	return true
}

func (s *Scanner) runTask(task *Task, t Transport, resolver *Resolver, notifyChatID int64) *ScanResult {
	ctx := task.Context()
	rule := task.Rule

	s.registry.MarkRunning(task)
	metrics.ScanStarted()

	var result *ScanResult
	if err := s.registry.WaitRealtime(ctx, KeyOf(rule)); err != nil {
		result = &ScanResult{State: models.ScanStateCancelled}
	} else {
		s.notifier.Notify(ctx, notifyChatID, fmt.Sprintf("▶️ 开始扫描 <code>%d</code> → <code>%d</code>",
			rule.SourceChatID, rule.DestinationChatID))

		result = s.engine.Run(ctx, ScanJob{
			TaskID:    task.ID,
			Rule:      rule,
			Transport: t,
			Resolver:  resolver,
			OnOutcome: task.Record,
			OnFailure: func(messageID int, err error) {
				s.notifier.Notify(context.WithoutCancel(ctx), notifyChatID,
					fmt.Sprintf("⚠️ 消息 %d 转发失败（%d → %d）: %v", messageID, rule.SourceChatID, rule.DestinationChatID, err))
			},
		})
	}

	s.registry.Finish(task, result.State)
	metrics.ScanFinished(string(result.State), time.Since(task.StartedAt))
	s.persist(task, result)
	s.notifier.Notify(context.WithoutCancel(ctx), notifyChatID, formatScanResult(rule, result))
	return result
}

func (s *Scanner) persist(task *Task, result *ScanResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run := &models.ScanRun{
		RunID:             task.ID,
		OwnerID:           task.Rule.OwnerID,
		SourceChatID:      task.Rule.SourceChatID,
		DestinationChatID: task.Rule.DestinationChatID,
		State:             result.State,
		Forwarded:         result.Forwarded,
		Failed:            result.Failed,
		CheckpointBefore:  result.CheckpointBefore,
		CheckpointAfter:   result.CheckpointAfter,
		PendingRanges:     len(result.PendingRanges),
		StartedAt:         task.StartedAt,
		FinishedAt:        time.Now(),
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	if err := s.runs.Create(ctx, run); err != nil {
		logger.L().Errorf("Failed to save scan run %s: %v", task.ID, err)
	}
}

func formatScanResult(rule models.RuleKey, result *ScanResult) string {
	var b strings.Builder
	switch result.State {
	case models.ScanStateCompleted:
		b.WriteString("✅ 扫描完成")
	case models.ScanStateCancelled:
		b.WriteString("⏹ 扫描已取消")
	default:
		b.WriteString("❌ 扫描失败")
	}
	fmt.Fprintf(&b, " <code>%d</code> → <code>%d</code>\n", rule.SourceChatID, rule.DestinationChatID)
	fmt.Fprintf(&b, "转发: %d，跳过: %d，失败: %d\n", result.Forwarded, result.Skipped, result.Failed)
	fmt.Fprintf(&b, "断点: %d → %d", result.CheckpointBefore, result.CheckpointAfter)
	if n := len(result.PendingRanges); n > 0 {
		fmt.Fprintf(&b, "\n待补扫区间: %d", n)
	}
	if result.Err != nil {
		fmt.Fprintf(&b, "\n原因: %v", result.Err)
	}
	return b.String()
}

// Stop 取消用户的所有扫描任务
func (s *Scanner) Stop(ownerID int64) int {
	return s.registry.CancelOwner(ownerID)
}

// Running 用户当前的扫描任务
func (s *Scanner) Running(ownerID int64) []TaskSnapshot {
	return s.registry.Running(ownerID)
}

// Shutdown 取消所有任务并等待后台扫描退出
func (s *Scanner) Shutdown(ctx context.Context) error {
	if err := s.registry.CancelAll(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
