package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"
	"relay_bot/internal/telegram/models"
	"relay_bot/internal/telegram/repository"
)

// BotTransport Bot 身份能做的事：解析会话与复制消息（无法读取历史）
type BotTransport interface {
	PeerSource
	Sender
}

// DispatcherOptions 实时转发参数
type DispatcherOptions struct {
	MaxTransientRetries int
	Timeout             time.Duration
	Sleep               Sleeper
}

// Dispatcher 把源会话的新消息实时复制到所有目标
type Dispatcher struct {
	rules    repository.RuleRepository
	registry *Registry
	executor *Executor
	sender   Sender
	resolver *Resolver
	notifier Notifier

	mu          sync.Mutex
	sourceLocks map[int64]*sync.Mutex
	lastHandled map[TaskKey]int // 每条规则最近一次处理过的消息 ID（仅本进程内）
}

// NewDispatcher 创建实时转发器
func NewDispatcher(rules repository.RuleRepository, registry *Registry, transport BotTransport, notifier Notifier, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		rules:    rules,
		registry: registry,
		executor: NewExecutor(ExecutorOptions{
			Path:                metrics.PathRealtime,
			MaxTransientRetries: opts.MaxTransientRetries,
			Timeout:             opts.Timeout,
			Sleep:               opts.Sleep,
		}),
		sender:      transport,
		resolver:    NewResolver(transport, opts.Timeout),
		notifier:    notifier,
		sourceLocks: make(map[int64]*sync.Mutex),
		lastHandled: make(map[TaskKey]int),
	}
}

func (d *Dispatcher) sourceLock(sourceChatID int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.sourceLocks[sourceChatID]
	if !ok {
		lock = &sync.Mutex{}
		d.sourceLocks[sourceChatID] = lock
	}
	return lock
}

// markHandled 记录规则已处理到的消息（只增不减）
func (d *Dispatcher) markHandled(key TaskKey, messageID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if messageID > d.lastHandled[key] {
		d.lastHandled[key] = messageID
	}
}

// gapBefore 本次转发跳过的、实时路径从未处理过的区间
func (d *Dispatcher) gapBefore(key TaskKey, checkpoint, messageID int) *models.Range {
	d.mu.Lock()
	low := d.lastHandled[key]
	d.mu.Unlock()

	if checkpoint > low {
		low = checkpoint
	}
	gap := models.Range{After: low, Before: messageID}
	if gap.Empty() {
		return nil
	}
	return &gap
}

// Dispatch 处理一条源会话的新消息，返回成功复制的目标数
// 同一源会话的消息串行处理，保证按 ID 顺序推进断点
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (int, error) {
	lock := d.sourceLock(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	rules, err := d.rules.ListBySource(ctx, msg.ChatID)
	if err != nil {
		return 0, fmt.Errorf("failed to list rules of source %d: %w", msg.ChatID, err)
	}

	forwarded := 0
	for _, rule := range rules {
		if d.dispatchRule(ctx, rule.Key(), msg) {
			forwarded++
		}
	}
	return forwarded, nil
}

func (d *Dispatcher) dispatchRule(ctx context.Context, ruleKey models.RuleKey, msg Message) bool {
	key := KeyOf(ruleKey)

	release, ok := d.registry.AcquireRealtime(key)
	if !ok {
		// 扫描结束后会从断点重新覆盖
		logger.L().Debugf("Scan running for %s, realtime message %d deferred", ruleKey, msg.ID)
		return false
	}
	defer release()

	if !msg.Video {
		d.markHandled(key, msg.ID)
		return false
	}

	rule, err := d.rules.Get(ctx, ruleKey)
	if err != nil {
		if !errors.Is(err, repository.ErrRuleNotFound) {
			logger.L().Errorf("Failed to load rule %s: %v", ruleKey, err)
		}
		return false
	}

	checkpoint := rule.LastProcessedMessageID
	if msg.ID <= checkpoint {
		d.markHandled(key, msg.ID)
		return false
	}

	src, err := d.resolver.Resolve(ctx, ruleKey.SourceChatID)
	if err == nil {
		var dst Peer
		dst, err = d.resolver.Resolve(ctx, ruleKey.DestinationChatID)
		if err == nil {
			var outcome Outcome
			outcome, err = d.executor.Forward(ctx, d.sender, msg, src, dst)
			if err == nil && outcome == OutcomeForwarded {
				return d.advance(ctx, ruleKey, checkpoint, msg.ID)
			}
		}
	}

	logger.L().Errorf("Realtime forward failed: rule=%s, message_id=%d, error=%v", ruleKey, msg.ID, err)
	d.notifier.Notify(ctx, ruleKey.OwnerID,
		fmt.Sprintf("❌ 实时转发失败\n源: <code>%d</code>\n目标: <code>%d</code>\n消息: %d\n原因: %v",
			ruleKey.SourceChatID, ruleKey.DestinationChatID, msg.ID, err))
	return false
}

func (d *Dispatcher) advance(ctx context.Context, ruleKey models.RuleKey, checkpoint, messageID int) bool {
	key := KeyOf(ruleKey)
	gap := d.gapBefore(key, checkpoint, messageID)

	matched, err := d.rules.AdvanceCursor(context.WithoutCancel(ctx), ruleKey, messageID, gap)
	if err != nil {
		logger.L().Errorf("Failed to advance checkpoint of %s to %d: %v", ruleKey, messageID, err)
		return true
	}
	if !matched {
		logger.L().Warnf("Rule %s removed while forwarding message %d", ruleKey, messageID)
		return true
	}
	if gap != nil {
		logger.L().Infof("Rule %s jumped to %d, pending range %s recorded", ruleKey, messageID, gap)
	}

	d.markHandled(key, messageID)
	return true
}
