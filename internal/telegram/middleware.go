package telegram

import (
	"context"

	"relay_bot/internal/logger"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

// isOwner 是否为 BOT_OWNER_IDS 中的管理员
func (b *Bot) isOwner(userID int64) bool {
	_, ok := b.ownerIDs[userID]
	return ok
}

// RequireOwner 中间件：仅允许 Bot 管理员执行
func (b *Bot) RequireOwner(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
		if update.Message == nil || update.Message.From == nil {
			return
		}

		if !b.isOwner(update.Message.From.ID) {
			logger.L().Warnf("Non-owner user %d attempted to use owner command", update.Message.From.ID)
			b.sendErrorMessage(ctx, update.Message.Chat.ID, "你没有权限。")
			return
		}

		next(ctx, botInstance, update)
	}
}

// RequireAccess 中间件：adminonly 开启时只允许 Bot 管理员使用
func (b *Bot) RequireAccess(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
		if update.Message == nil || update.Message.From == nil {
			return
		}

		userID := update.Message.From.ID
		if b.isOwner(userID) {
			next(ctx, botInstance, update)
			return
		}

		adminOnly, err := b.settingService.AdminOnly(ctx)
		if err != nil {
			logger.L().Errorf("Failed to load adminonly setting: %v", err)
			b.sendErrorMessage(ctx, update.Message.Chat.ID, "读取设置失败，请稍后重试")
			return
		}
		if adminOnly {
			logger.L().Infof("User %d blocked by adminonly mode", userID)
			b.sendErrorMessage(ctx, update.Message.Chat.ID, "你没有权限。")
			return
		}

		next(ctx, botInstance, update)
	}
}
