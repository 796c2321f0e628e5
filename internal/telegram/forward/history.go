package forward

import (
	"context"
	"fmt"
	"sort"

	"relay_bot/internal/logger"
)

// pageFetcher 读取 offsetID 之下的一页历史
type pageFetcher func(ctx context.Context, offsetID int) ([]Message, error)

// historyIter 从 before 开始倒序遍历历史（before 为 0 表示从最新消息开始）
type historyIter struct {
	fetch  pageFetcher
	offset int

	buf  []Message
	idx  int
	cur  Message
	done bool
	err  error
}

func newHistoryIter(fetch pageFetcher, before int) *historyIter {
	return &historyIter{fetch: fetch, offset: before}
}

// Next 取下一条消息，历史读完或出错时返回 false
func (it *historyIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	if it.idx >= len(it.buf) {
		if it.done {
			return false
		}

		msgs, err := it.fetch(ctx, it.offset)
		if err != nil {
			it.err = err
			return false
		}
		if len(msgs) == 0 {
			it.done = true
			return false
		}

		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
		last := msgs[len(msgs)-1].ID
		if it.offset > 0 && last >= it.offset {
			// 服务端没有向前推进，视为结束
			it.done = true
			return false
		}
		it.buf, it.idx, it.offset = msgs, 0, last
	}

	it.cur = it.buf[it.idx]
	it.idx++
	return true
}

// Value 当前消息
func (it *historyIter) Value() Message { return it.cur }

// Err 遍历中遇到的错误
func (it *historyIter) Err() error { return it.err }

// historyFetcher 为某个会话构建分页读取函数，处理限流与网络重试
func (e *ScanEngine) historyFetcher(source HistorySource, peer Peer) pageFetcher {
	return func(ctx context.Context, offsetID int) ([]Message, error) {
		transient := 0
		for {
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
			msgs, err := source.History(callCtx, peer, offsetID, e.pageSize)
			cancel()
			if err == nil {
				return msgs, nil
			}
			if !shouldRetryForward(err) {
				return nil, fmt.Errorf("failed to read history of %d: %w", peer.ChatID, err)
			}

			attempt := 1
			if !IsRateLimit(err) {
				transient++
				if transient > e.maxRetries {
					return nil, fmt.Errorf("failed to read history of %d after %d retries: %w", peer.ChatID, e.maxRetries, err)
				}
				attempt = transient
			}
			delay := calculateForwardRetryDelay(err, attempt, peer.ChatID)
			logger.L().Warnf("History page of %d at offset %d failed: %v, retrying in %v", peer.ChatID, offsetID, err, delay)

			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
}
