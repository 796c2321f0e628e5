package forward

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relay_bot/internal/telegram/models"
	"relay_bot/internal/telegram/repository"
)

// memoryRules 内存版规则仓储，断点写入与 Mongo 一样使用 $max 语义
type memoryRules struct {
	mu        sync.Mutex
	rules     map[models.RuleKey]*models.ForwardRule
	commits   int
	commitErr error
}

func newMemoryRules(rules ...*models.ForwardRule) *memoryRules {
	m := &memoryRules{rules: make(map[models.RuleKey]*models.ForwardRule)}
	for _, rule := range rules {
		m.rules[rule.Key()] = rule
	}
	return m
}

func (m *memoryRules) rule(key models.RuleKey) models.ForwardRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule := *m.rules[key]
	rule.PendingRanges = append([]models.Range(nil), rule.PendingRanges...)
	return rule
}

func (m *memoryRules) Upsert(_ context.Context, key models.RuleKey, lastID int) (*models.ForwardRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[key]
	if !ok {
		rule = &models.ForwardRule{OwnerID: key.OwnerID, SourceChatID: key.SourceChatID, DestinationChatID: key.DestinationChatID}
		m.rules[key] = rule
	}
	if lastID > rule.LastProcessedMessageID {
		rule.LastProcessedMessageID = lastID
	}
	copied := *rule
	return &copied, nil
}

func (m *memoryRules) Get(_ context.Context, key models.RuleKey) (*models.ForwardRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrRuleNotFound, key)
	}
	copied := *rule
	copied.PendingRanges = append([]models.Range(nil), rule.PendingRanges...)
	return &copied, nil
}

func (m *memoryRules) list(match func(*models.ForwardRule) bool) []*models.ForwardRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ForwardRule
	for _, rule := range m.rules {
		if match(rule) {
			copied := *rule
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DestinationChatID != out[j].DestinationChatID {
			return out[i].DestinationChatID < out[j].DestinationChatID
		}
		return out[i].SourceChatID < out[j].SourceChatID
	})
	return out
}

func (m *memoryRules) ListByOwner(_ context.Context, ownerID int64) ([]*models.ForwardRule, error) {
	return m.list(func(r *models.ForwardRule) bool { return r.OwnerID == ownerID }), nil
}

func (m *memoryRules) ListBySource(_ context.Context, sourceChatID int64) ([]*models.ForwardRule, error) {
	return m.list(func(r *models.ForwardRule) bool { return r.SourceChatID == sourceChatID }), nil
}

func (m *memoryRules) ListSources(_ context.Context) ([]int64, error) {
	seen := make(map[int64]bool)
	var out []int64
	for _, rule := range m.list(func(*models.ForwardRule) bool { return true }) {
		if !seen[rule.SourceChatID] {
			seen[rule.SourceChatID] = true
			out = append(out, rule.SourceChatID)
		}
	}
	return out, nil
}

func (m *memoryRules) Delete(_ context.Context, key models.RuleKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rules[key]
	delete(m.rules, key)
	return ok, nil
}

func (m *memoryRules) deleteWhere(match func(*models.ForwardRule) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rule := range m.rules {
		if match(rule) {
			delete(m.rules, key)
			n++
		}
	}
	return n
}

func (m *memoryRules) DeleteBySource(_ context.Context, ownerID, sourceChatID int64) (int64, error) {
	return m.deleteWhere(func(r *models.ForwardRule) bool {
		return r.OwnerID == ownerID && r.SourceChatID == sourceChatID
	}), nil
}

func (m *memoryRules) DeleteByDestination(_ context.Context, ownerID, destinationChatID int64) (int64, error) {
	return m.deleteWhere(func(r *models.ForwardRule) bool {
		return r.OwnerID == ownerID && r.DestinationChatID == destinationChatID
	}), nil
}

func (m *memoryRules) AdvanceCursor(_ context.Context, key models.RuleKey, messageID int, gap *models.Range) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[key]
	if !ok {
		return false, nil
	}
	if messageID > rule.LastProcessedMessageID {
		rule.LastProcessedMessageID = messageID
	}
	if gap != nil && !gap.Empty() {
		rule.PendingRanges = append(rule.PendingRanges, *gap)
	}
	return true, nil
}

func (m *memoryRules) CommitScan(_ context.Context, key models.RuleKey, maxForwardedID int, pending []models.Range) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	if m.commitErr != nil {
		return false, m.commitErr
	}
	rule, ok := m.rules[key]
	if !ok {
		return false, nil
	}
	if maxForwardedID > rule.LastProcessedMessageID {
		rule.LastProcessedMessageID = maxForwardedID
	}
	rule.PendingRanges = append([]models.Range(nil), pending...)
	return true, nil
}

func (m *memoryRules) EnsureIndexes(context.Context) error { return nil }

// fakeTransport 内存版传输层
type fakeTransport struct {
	mu sync.Mutex

	history     map[int64][]Message
	resolveErrs map[int64]error
	historyErrs []error         // 依次在 History 调用时返回
	copyErrs    map[int][]error // 每条消息依次返回的错误，耗尽后成功

	resolved     []int64
	copyAttempts []int
	copied       []int
	offsets      []int

	onCopy func(msg Message) // 成功复制后的回调
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		history:     make(map[int64][]Message),
		resolveErrs: make(map[int64]error),
		copyErrs:    make(map[int][]error),
	}
}

// addHistory 追加消息，video 为 false 的 ID 用负数表示
func (f *fakeTransport) addHistory(chatID int64, ids ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		video := id > 0
		if id < 0 {
			id = -id
		}
		f.history[chatID] = append(f.history[chatID], Message{ID: id, ChatID: chatID, Video: video})
	}
}

func (f *fakeTransport) ResolvePeer(_ context.Context, chatID int64) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, chatID)
	if err := f.resolveErrs[chatID]; err != nil {
		return Peer{}, err
	}
	return Peer{ChatID: chatID}, nil
}

func (f *fakeTransport) History(_ context.Context, peer Peer, offsetID, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offsetID)
	if len(f.historyErrs) > 0 {
		err := f.historyErrs[0]
		f.historyErrs = f.historyErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	all := append([]Message(nil), f.history[peer.ChatID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	var page []Message
	for _, msg := range all {
		if offsetID > 0 && msg.ID >= offsetID {
			continue
		}
		page = append(page, msg)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeTransport) Copy(_ context.Context, msg Message, _, _ Peer, opts CopyOptions) error {
	f.mu.Lock()
	f.copyAttempts = append(f.copyAttempts, msg.ID)
	if !opts.DropAuthor || !opts.DropCaption || !opts.Silent {
		f.mu.Unlock()
		return fmt.Errorf("unexpected copy options %+v", opts)
	}
	if errs := f.copyErrs[msg.ID]; len(errs) > 0 {
		f.copyErrs[msg.ID] = errs[1:]
		f.mu.Unlock()
		return errs[0]
	}
	f.copied = append(f.copied, msg.ID)
	hook := f.onCopy
	f.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (f *fakeTransport) copiedIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.copied...)
}

func (f *fakeTransport) attempts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.copyAttempts...)
}

// recordingSleeper 记录等待时长而不真正等待
type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
	hook   func(d time.Duration)
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (s *recordingSleeper) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

// recordingNotifier 记录通知
type recordingNotifier struct {
	mu       sync.Mutex
	messages map[int64][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{messages: make(map[int64][]string)}
}

func (n *recordingNotifier) Notify(_ context.Context, chatID int64, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages[chatID] = append(n.messages[chatID], text)
}

func (n *recordingNotifier) sent(chatID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages[chatID]...)
}
