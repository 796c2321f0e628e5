package mtproto

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"relay_bot/internal/telegram/forward"

	"github.com/go-faster/errors"
	"github.com/gotd/td/constant"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

const (
	dialogsPageSize = 100
	maxDialogPages  = 50
)

type transport struct {
	api     *tg.Client
	manager *peers.Manager

	warmMu sync.Mutex
	warmed bool
}

func newTransport(api *tg.Client, manager *peers.Manager) *transport {
	return &transport{api: api, manager: manager}
}

// ResolvePeer 解析 Bot API 格式的会话 ID
// 从未访问过的会话不在 peer 缓存中，此时加载一次对话列表后重试
func (t *transport) ResolvePeer(ctx context.Context, chatID int64) (forward.Peer, error) {
	p, err := t.manager.ResolveTDLibID(ctx, constant.TDLibPeerID(chatID))
	if err != nil {
		if warmErr := t.warmUp(ctx); warmErr != nil {
			return forward.Peer{}, mapError(errors.Wrap(warmErr, "load dialogs"))
		}
		if p, err = t.manager.ResolveTDLibID(ctx, constant.TDLibPeerID(chatID)); err != nil {
			if _, ok := tgerr.As(err); ok {
				return forward.Peer{}, mapError(err)
			}
			return forward.Peer{}, fmt.Errorf("%w: %w", forward.ErrPeerNotFound, err)
		}
	}

	return forward.Peer{
		ChatID: chatID,
		Title:  p.VisibleName(),
		Ref:    p.InputPeer(),
	}, nil
}

func (t *transport) warmUp(ctx context.Context) error {
	t.warmMu.Lock()
	defer t.warmMu.Unlock()
	if t.warmed {
		return nil
	}

	req := &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogsPageSize,
	}
	for page := 0; page < maxDialogPages; page++ {
		res, err := t.api.MessagesGetDialogs(ctx, req)
		if err != nil {
			return err
		}
		dialogs, ok := res.AsModified()
		if !ok {
			break
		}
		if err := t.manager.Apply(ctx, dialogs.GetUsers(), dialogs.GetChats()); err != nil {
			return errors.Wrap(err, "apply entities")
		}

		if len(dialogs.GetDialogs()) < dialogsPageSize {
			break
		}
		last, ok := lastMessage(dialogs.GetMessages())
		if !ok {
			break
		}
		req.OffsetID = last.ID
		req.OffsetDate = last.Date
	}

	t.warmed = true
	return nil
}

func lastMessage(msgs []tg.MessageClass) (*tg.Message, bool) {
	var last *tg.Message
	for _, m := range msgs {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		if last == nil || msg.Date < last.Date {
			last = msg
		}
	}
	return last, last != nil
}

func inputPeer(peer forward.Peer) (tg.InputPeerClass, error) {
	input, ok := peer.Ref.(tg.InputPeerClass)
	if !ok || input == nil {
		return nil, errors.Errorf("peer %d is not resolved", peer.ChatID)
	}
	return input, nil
}

// History 返回 offsetID 之前的一页消息，从新到旧
// 服务消息作为非视频条目返回，保证翻页继续推进
func (t *transport) History(ctx context.Context, peer forward.Peer, offsetID, limit int) ([]forward.Message, error) {
	input, err := inputPeer(peer)
	if err != nil {
		return nil, err
	}

	res, err := t.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     input,
		OffsetID: offsetID,
		Limit:    limit,
	})
	if err != nil {
		return nil, mapError(errors.Wrap(err, "get history"))
	}

	modified, ok := res.AsModified()
	if !ok {
		return nil, nil
	}
	return convertMessages(peer.ChatID, modified.GetMessages()), nil
}

func convertMessages(chatID int64, msgs []tg.MessageClass) []forward.Message {
	out := make([]forward.Message, 0, len(msgs))
	for _, m := range msgs {
		switch msg := m.(type) {
		case *tg.Message:
			out = append(out, forward.Message{ID: msg.ID, ChatID: chatID, Video: isVideo(msg), Ref: msg})
		case *tg.MessageService:
			out = append(out, forward.Message{ID: msg.ID, ChatID: chatID})
		}
	}
	return out
}

// Copy 不带来源信息地转发消息
func (t *transport) Copy(ctx context.Context, msg forward.Message, src, dst forward.Peer, opts forward.CopyOptions) error {
	from, err := inputPeer(src)
	if err != nil {
		return err
	}
	to, err := inputPeer(dst)
	if err != nil {
		return err
	}

	_, err = t.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		Silent:            opts.Silent,
		DropAuthor:        opts.DropAuthor,
		DropMediaCaptions: opts.DropCaption,
		FromPeer:          from,
		ID:                []int{msg.ID},
		RandomID:          []int64{int64(rand.Uint64())},
		ToPeer:            to,
	})
	if err != nil {
		return mapError(errors.Wrapf(err, "forward message %d", msg.ID))
	}
	return nil
}
