package forward

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"relay_bot/internal/telegram/models"

	"github.com/google/uuid"
)

// TaskKey 扫描任务标识：同一对 源 -> 目标 同时只允许一个任务
type TaskKey struct {
	SourceChatID      int64
	DestinationChatID int64
}

// KeyOf 规则对应的任务标识
func KeyOf(rule models.RuleKey) TaskKey {
	return TaskKey{SourceChatID: rule.SourceChatID, DestinationChatID: rule.DestinationChatID}
}

// Task 正在运行的扫描任务
type Task struct {
	ID        string
	Rule      models.RuleKey
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state     atomic.Value // models.ScanState
	forwarded atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// Context 任务上下文，Cancel 后被取消
func (t *Task) Context() context.Context { return t.ctx }

// Cancel 请求停止任务
func (t *Task) Cancel() { t.cancel() }

// Done 任务结束后关闭
func (t *Task) Done() <-chan struct{} { return t.done }

// State 当前状态
func (t *Task) State() models.ScanState { return t.state.Load().(models.ScanState) }

// Record 累计单条消息的处理结果
func (t *Task) Record(outcome Outcome) {
	switch outcome {
	case OutcomeForwarded:
		t.forwarded.Add(1)
	case OutcomeSkipped:
		t.skipped.Add(1)
	default:
		t.failed.Add(1)
	}
}

// TaskSnapshot 任务快照（/status 展示）
type TaskSnapshot struct {
	ID        string
	Rule      models.RuleKey
	State     models.ScanState
	StartedAt time.Time
	Forwarded int64
	Skipped   int64
	Failed    int64
}

// inflight 某条规则正在进行的实时转发
type inflight struct {
	n    int
	idle chan struct{} // n 归零时关闭
}

// Registry 进程内扫描任务表
type Registry struct {
	mu       sync.Mutex
	tasks    map[TaskKey]*Task
	realtime map[TaskKey]*inflight
}

// NewRegistry 创建任务表
func NewRegistry() *Registry {
	return &Registry{
		tasks:    make(map[TaskKey]*Task),
		realtime: make(map[TaskKey]*inflight),
	}
}

// TryStart 原子地检查并登记任务，已有任务时返回 false
func (r *Registry) TryStart(rule models.RuleKey) (*Task, bool) {
	key := KeyOf(rule)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[key]; exists {
		return nil, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		ID:        uuid.New().String(),
		Rule:      rule,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	task.state.Store(models.ScanStatePending)
	r.tasks[key] = task
	return task, true
}

// MarkRunning 任务开始执行
func (r *Registry) MarkRunning(task *Task) {
	task.state.Store(models.ScanStateRunning)
}

// Finish 任务结束并移出任务表，重复调用返回 false
func (r *Registry) Finish(task *Task, state models.ScanState) bool {
	key := KeyOf(task.Rule)

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.tasks[key]; !ok || current != task {
		return false
	}
	delete(r.tasks, key)
	task.state.Store(state)
	task.cancel()
	close(task.done)
	return true
}

// IsRunning 规则是否有任务
func (r *Registry) IsRunning(key TaskKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// Cancel 取消单个任务
func (r *Registry) Cancel(key TaskKey) bool {
	r.mu.Lock()
	task, ok := r.tasks[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel()
	return true
}

// CancelOwner 取消用户的所有任务，返回取消数量
func (r *Registry) CancelOwner(ownerID int64) int {
	r.mu.Lock()
	var tasks []*Task
	for _, task := range r.tasks {
		if task.Rule.OwnerID == ownerID {
			tasks = append(tasks, task)
		}
	}
	r.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	return len(tasks)
}

// CancelAll 取消所有任务并等待结束或 ctx 超时
func (r *Registry) CancelAll(ctx context.Context) error {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		select {
		case <-task.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Running 用户当前任务快照，按开始时间排序
func (r *Registry) Running(ownerID int64) []TaskSnapshot {
	r.mu.Lock()
	snapshots := make([]TaskSnapshot, 0)
	for _, task := range r.tasks {
		if task.Rule.OwnerID != ownerID {
			continue
		}
		snapshots = append(snapshots, TaskSnapshot{
			ID:        task.ID,
			Rule:      task.Rule,
			State:     task.State(),
			StartedAt: task.StartedAt,
			Forwarded: task.forwarded.Load(),
			Skipped:   task.skipped.Load(),
			Failed:    task.failed.Load(),
		})
	}
	r.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt.Before(snapshots[j].StartedAt)
	})
	return snapshots
}

// AcquireRealtime 实时转发前占用规则，扫描进行中时拒绝
// 返回的 release 必须调用
func (r *Registry) AcquireRealtime(key TaskKey) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.tasks[key]; running {
		return nil, false
	}
	in, exists := r.realtime[key]
	if !exists {
		in = &inflight{idle: make(chan struct{})}
		r.realtime[key] = in
	}
	in.n++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			in.n--
			if in.n == 0 {
				close(in.idle)
				delete(r.realtime, key)
			}
		})
	}, true
}

// WaitRealtime 等待该规则正在进行的实时转发结束
// 任务登记后不会再有新的实时转发进入，因此只需等待已有的
func (r *Registry) WaitRealtime(ctx context.Context, key TaskKey) error {
	r.mu.Lock()
	in, exists := r.realtime[key]
	r.mu.Unlock()
	if !exists {
		return nil
	}

	select {
	case <-in.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
