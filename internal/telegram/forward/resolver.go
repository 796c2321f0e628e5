package forward

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Resolver 会话解析（带缓存），每个传输层 session 一个实例
// 失败结果不缓存
type Resolver struct {
	source  PeerSource
	timeout time.Duration

	mu    sync.RWMutex
	peers map[int64]Peer
}

// NewResolver 创建解析器
func NewResolver(source PeerSource, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Resolver{
		source:  source,
		timeout: timeout,
		peers:   make(map[int64]Peer),
	}
}

// Resolve 解析会话 ID
func (r *Resolver) Resolve(ctx context.Context, chatID int64) (Peer, error) {
	r.mu.RLock()
	peer, ok := r.peers[chatID]
	r.mu.RUnlock()
	if ok {
		return peer, nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	peer, err := r.source.ResolvePeer(callCtx, chatID)
	if err != nil {
		return Peer{}, fmt.Errorf("failed to resolve chat %d: %w", chatID, err)
	}

	r.mu.Lock()
	r.peers[chatID] = peer
	r.mu.Unlock()
	return peer, nil
}

// Forget 删除缓存（如会话迁移后）
func (r *Resolver) Forget(chatID int64) {
	r.mu.Lock()
	delete(r.peers, chatID)
	r.mu.Unlock()
}
