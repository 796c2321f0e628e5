package telegram

import (
	"strings"
	"sync"
	"time"

	"relay_bot/internal/telegram/forward"
)

type chatRefCacheEntry struct {
	peer    forward.Peer
	expires time.Time
}

// chatRefCache 缓存 @username 的解析结果，避免重复调用 getChat
type chatRefCache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	values map[string]chatRefCacheEntry
}

func newChatRefCache(ttl time.Duration) *chatRefCache {
	if ttl <= 0 {
		return nil
	}
	return &chatRefCache{
		ttl:    ttl,
		values: make(map[string]chatRefCacheEntry),
	}
}

func (c *chatRefCache) buildKey(username string) string {
	return strings.ToLower(strings.TrimPrefix(username, "@"))
}

func (c *chatRefCache) Get(username string) (forward.Peer, bool) {
	if c == nil {
		return forward.Peer{}, false
	}

	key := c.buildKey(username)

	c.mu.RLock()
	entry, ok := c.values[key]
	c.mu.RUnlock()

	if !ok {
		return forward.Peer{}, false
	}

	if time.Now().After(entry.expires) {
		c.mu.Lock()
		delete(c.values, key)
		c.mu.Unlock()
		return forward.Peer{}, false
	}

	return entry.peer, true
}

func (c *chatRefCache) Set(username string, peer forward.Peer) {
	if c == nil {
		return
	}

	c.mu.Lock()
	c.values[c.buildKey(username)] = chatRefCacheEntry{
		peer:    peer,
		expires: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}
