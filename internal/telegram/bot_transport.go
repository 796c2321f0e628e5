package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/telegram/forward"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

// BotTransport 以 Bot 身份解析会话、复制视频并发送通知
// Bot 无法读取历史，只用于实时转发
type BotTransport struct {
	bot     *bot.Bot
	limiter *forward.RateLimiter
}

// NewBotTransport 创建 Bot 传输层
func NewBotTransport(b *bot.Bot, limiter *forward.RateLimiter) *BotTransport {
	if limiter == nil {
		limiter = forward.NewRateLimiter(0)
	}
	return &BotTransport{bot: b, limiter: limiter}
}

// ResolvePeer 通过 getChat 确认 Bot 能访问该会话
func (t *BotTransport) ResolvePeer(ctx context.Context, chatID int64) (forward.Peer, error) {
	return t.getChat(ctx, chatID, chatID)
}

// ResolveUsername 解析 @username
func (t *BotTransport) ResolveUsername(ctx context.Context, username string) (forward.Peer, error) {
	username = "@" + strings.TrimPrefix(username, "@")
	return t.getChat(ctx, username, 0)
}

func (t *BotTransport) getChat(ctx context.Context, ref any, chatID int64) (forward.Peer, error) {
	chat, err := t.bot.GetChat(ctx, &bot.GetChatParams{ChatID: ref})
	if err != nil {
		return forward.Peer{}, mapBotError(err, chatID)
	}
	return forward.Peer{
		ChatID: chat.ID,
		Title:  chatTitle(chat.Title, chat.Username, chat.FirstName, chat.LastName),
		Ref:    chat.ID,
	}, nil
}

func chatTitle(title, username, firstName, lastName string) string {
	switch {
	case title != "":
		return title
	case firstName != "" || lastName != "":
		return strings.TrimSpace(firstName + " " + lastName)
	case username != "":
		return "@" + username
	}
	return ""
}

// Copy 按 file_id 重新发送视频：不带来源，默认不带说明
func (t *BotTransport) Copy(ctx context.Context, msg forward.Message, src, dst forward.Peer, opts forward.CopyOptions) error {
	video, ok := msg.Ref.(*botModels.Message)
	if !ok || video == nil || video.Video == nil {
		return fmt.Errorf("%w: message %d carries no video", forward.ErrRejected, msg.ID)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	params := &bot.SendVideoParams{
		ChatID:              dst.ChatID,
		Video:               &botModels.InputFileString{Data: video.Video.FileID},
		DisableNotification: opts.Silent,
		SupportsStreaming:   true,
	}
	if !opts.DropCaption && video.Caption != "" {
		params.Caption = video.Caption
		params.CaptionEntities = video.CaptionEntities
	}

	if _, err := t.bot.SendVideo(ctx, params); err != nil {
		return mapBotError(err, dst.ChatID)
	}
	return nil
}

// Notify 实现 forward.Notifier，失败只记录日志
func (t *BotTransport) Notify(ctx context.Context, chatID int64, text string) {
	if err := t.limiter.Wait(ctx); err != nil {
		logger.L().Warnf("Notification to chat %d dropped: %v", chatID, err)
		return
	}
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: botModels.ParseModeHTML,
	})
	if err != nil {
		logger.L().Errorf("Failed to send notification to chat %d: %v", chatID, err)
	}
}

// mapBotError 把 Bot API 错误映射为转发错误分类
func mapBotError(err error, chatID int64) error {
	if err == nil {
		return nil
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &forward.RateLimitError{RetryAfter: time.Duration(tooMany.RetryAfter) * time.Second}
	}

	var migrate *bot.MigrateError
	if errors.As(err, &migrate) {
		return fmt.Errorf("%w: chat %d migrated to %d", forward.ErrPeerNotFound, chatID, int64(migrate.MigrateToChatID))
	}

	switch {
	case errors.Is(err, bot.ErrorForbidden):
		return fmt.Errorf("%w: %w", forward.ErrNotParticipant, err)
	case errors.Is(err, bot.ErrorNotFound):
		return fmt.Errorf("%w: %w", forward.ErrPeerNotFound, err)
	case errors.Is(err, bot.ErrorBadRequest):
		if strings.Contains(strings.ToLower(err.Error()), "chat not found") {
			return fmt.Errorf("%w: %w", forward.ErrPeerNotFound, err)
		}
		return fmt.Errorf("%w: %w", forward.ErrRejected, err)
	case errors.Is(err, bot.ErrorUnauthorized), errors.Is(err, bot.ErrorConflict):
		return fmt.Errorf("%w: %w", forward.ErrRejected, err)
	}
	return err
}
