package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"relay_bot/internal/logger"
	"relay_bot/internal/telegram/forward"
	"relay_bot/internal/telegram/models"
	"relay_bot/internal/telegram/service"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

const helpText = "📜 <b>使用说明</b>\n\n" +
	"<b>/login</b> &lt;session&gt; - 保存用户 session（用于读取历史）\n" +
	"<b>/logout</b> - 删除已保存的 session\n" +
	"<b>/set</b> &lt;源&gt; &lt;目标&gt; [起始ID] - 添加转发规则，会话可用 ID 或 @username\n" +
	"<b>/unset</b> s|t &lt;会话&gt; - 删除以该会话为源(s)或目标(t)的规则\n" +
	"<b>/unset</b> &lt;源&gt; &lt;目标&gt; - 删除单条规则\n" +
	"<b>/list</b> - 查看转发规则\n" +
	"<b>/scan</b> - 扫描历史并转发视频\n" +
	"<b>/stop</b> - 停止正在进行的扫描\n" +
	"<b>/status</b> - 查看扫描状态\n" +
	"<b>/adminonly</b> - 开关仅管理员模式\n" +
	"<b>/help</b> - 显示本说明"

// registerHandlers 注册所有命令处理器（异步执行）
func (b *Bot) registerHandlers() {
	// 普通命令 - 异步执行
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeCommandStartOnly,
		b.asyncHandler(b.handleStart))
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypeCommandStartOnly,
		b.asyncHandler(b.handleHelp))

	// adminonly 开启时仅管理员可用
	commands := map[string]bot.HandlerFunc{
		"/login":  b.handleLogin,
		"/logout": b.handleLogout,
		"/set":    b.handleSet,
		"/unset":  b.handleUnset,
		"/list":   b.handleList,
		"/scan":   b.handleScan,
		"/stop":   b.handleStop,
		"/status": b.handleStatus,
	}
	for command, handler := range commands {
		b.bot.RegisterHandler(bot.HandlerTypeMessageText, command, bot.MatchTypeCommandStartOnly,
			b.asyncHandler(b.RequireAccess(handler)))
	}

	// 管理员命令
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/adminonly", bot.MatchTypeCommandStartOnly,
		b.asyncHandler(b.RequireOwner(b.handleAdminOnly)))

	logger.L().Debug("All handlers registered with async execution")
}

// asyncHandler 把 handler 投递到工作池，避免阻塞更新循环
func (b *Bot) asyncHandler(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
		b.workerPool.Submit(HandlerTask{
			Ctx:         ctx,
			BotInstance: botInstance,
			Update:      update,
			Handler:     next,
		})
	}
}

// commandArgs 返回命令后的参数
func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) <= 1 {
		return nil
	}
	return fields[1:]
}

// handleStart 处理 /start 命令
func (b *Bot) handleStart(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	if update.Message == nil {
		return
	}
	b.sendMessage(ctx, update.Message.Chat.ID, "🤖 Bot 已启动！发送 /help 查看使用说明。")
}

// handleHelp 处理 /help 命令
func (b *Bot) handleHelp(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	if update.Message == nil {
		return
	}
	b.sendMessage(ctx, update.Message.Chat.ID, helpText)
}

// handleLogin 处理 /login 命令
func (b *Bot) handleLogin(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := update.Message
	args := commandArgs(msg.Text)
	if len(args) != 1 {
		b.sendErrorMessage(ctx, msg.Chat.ID, "用法: /login &lt;session&gt;")
		return
	}

	// session 等同于账号密码，不在聊天记录里保留
	b.deleteMessage(ctx, msg.Chat.ID, msg.ID)

	name, err := b.sessionService.Login(ctx, msg.From.ID, args[0])
	switch {
	case err == nil:
		b.sendSuccessMessage(ctx, msg.Chat.ID, fmt.Sprintf("session 已保存（账号: %s）", html.EscapeString(name)))
	case errors.Is(err, service.ErrInvalidSession):
		b.sendErrorMessage(ctx, msg.Chat.ID, "无法识别的 session，请提供 Telethon string session 或 base64 编码的 session 文件")
	case errors.Is(err, forward.ErrCredentialExpired):
		b.sendErrorMessage(ctx, msg.Chat.ID, "session 已失效，请重新生成")
	default:
		b.sendErrorMessage(ctx, msg.Chat.ID, "保存 session 失败: "+html.EscapeString(err.Error()))
	}
}

// handleLogout 处理 /logout 命令
func (b *Bot) handleLogout(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := update.Message
	deleted, err := b.sessionService.Logout(ctx, msg.From.ID)
	if err != nil {
		b.sendErrorMessage(ctx, msg.Chat.ID, "删除 session 失败")
		return
	}
	if !deleted {
		b.sendMessage(ctx, msg.Chat.ID, "ℹ️ 尚未保存 session")
		return
	}
	b.sendSuccessMessage(ctx, msg.Chat.ID, "session 已删除")
}

// chatRef 命令中的会话引用：数字 ID 或 @username
type chatRef struct {
	ID       int64
	Username string
}

// parseChatRef 解析 -100123、@name、t.me/name 形式的会话
func parseChatRef(s string) (chatRef, error) {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(s, prefix) {
			s = "@" + strings.TrimPrefix(s, prefix)
			break
		}
	}

	if strings.HasPrefix(s, "@") {
		name := strings.TrimPrefix(s, "@")
		if len(name) < 4 || strings.ContainsAny(name, "/ ") {
			return chatRef{}, fmt.Errorf("invalid username %q", s)
		}
		return chatRef{Username: name}, nil
	}

	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return chatRef{}, fmt.Errorf("invalid chat %q", s)
	}
	return chatRef{ID: id}, nil
}

// resolveChatRef 把 @username 解析为会话 ID，数字 ID 原样返回
func (b *Bot) resolveChatRef(ctx context.Context, ref chatRef) (int64, error) {
	if ref.Username == "" {
		return ref.ID, nil
	}
	if peer, ok := b.chatRefs.Get(ref.Username); ok {
		return peer.ChatID, nil
	}
	peer, err := b.transport.ResolveUsername(ctx, ref.Username)
	if err != nil {
		return 0, err
	}
	b.chatRefs.Set(ref.Username, peer)
	return peer.ChatID, nil
}

// setArgs /set 参数
type setArgs struct {
	Source      chatRef
	Destination chatRef
	LastID      int
}

func parseSetArgs(args []string) (setArgs, error) {
	if len(args) < 2 || len(args) > 3 {
		return setArgs{}, fmt.Errorf("expected 2 or 3 arguments, got %d", len(args))
	}

	src, err := parseChatRef(args[0])
	if err != nil {
		return setArgs{}, err
	}
	dst, err := parseChatRef(args[1])
	if err != nil {
		return setArgs{}, err
	}

	parsed := setArgs{Source: src, Destination: dst}
	if len(args) == 3 {
		lastID, err := strconv.Atoi(args[2])
		if err != nil || lastID < 0 {
			return setArgs{}, fmt.Errorf("invalid last id %q", args[2])
		}
		parsed.LastID = lastID
	}
	return parsed, nil
}

// handleSet 处理 /set 命令
func (b *Bot) handleSet(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := update.Message
	args, err := parseSetArgs(commandArgs(msg.Text))
	if err != nil {
		b.sendErrorMessage(ctx, msg.Chat.ID, "用法: /set &lt;源&gt; &lt;目标&gt; [起始ID]\n例如: /set -1001234567890 @my_channel 0")
		return
	}

	src, err := b.resolveChatRef(ctx, args.Source)
	if err != nil {
		b.sendErrorMessage(ctx, msg.Chat.ID, fmt.Sprintf("无法解析源会话: %s", html.EscapeString(err.Error())))
		return
	}
	dst, err := b.resolveChatRef(ctx, args.Destination)
	if err != nil {
		b.sendErrorMessage(ctx, msg.Chat.ID, fmt.Sprintf("无法解析目标会话: %s", html.EscapeString(err.Error())))
		return
	}

	key := models.RuleKey{OwnerID: msg.From.ID, SourceChatID: src, DestinationChatID: dst}
	rule, err := b.ruleService.SetRule(ctx, key, args.LastID)
	if err != nil {
		if errors.Is(err, service.ErrSameChat) {
			b.sendErrorMessage(ctx, msg.Chat.ID, "源与目标不能相同")
			return
		}
		b.sendErrorMessage(ctx, msg.Chat.ID, "保存规则失败")
		return
	}

	b.sendSuccessMessage(ctx, msg.Chat.ID, fmt.Sprintf("已添加规则 <code>%d</code> ➔ <code>%d</code>，断点 <code>%d</code>",
		rule.SourceChatID, rule.DestinationChatID, rule.LastProcessedMessageID))
}

// unsetMode /unset 的删除方式
type unsetMode int

const (
	unsetPair unsetMode = iota
	unsetSource
	unsetDestination
)

type unsetArgs struct {
	Mode        unsetMode
	Source      chatRef
	Destination chatRef
}

func parseUnsetArgs(args []string) (unsetArgs, error) {
	if len(args) != 2 {
		return unsetArgs{}, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}

	switch strings.ToLower(args[0]) {
	case "s", "t":
		ref, err := parseChatRef(args[1])
		if err != nil {
			return unsetArgs{}, err
		}
		if strings.EqualFold(args[0], "s") {
			return unsetArgs{Mode: unsetSource, Source: ref}, nil
		}
		return unsetArgs{Mode: unsetDestination, Destination: ref}, nil
	}

	src, err := parseChatRef(args[0])
	if err != nil {
		return unsetArgs{}, err
	}
	dst, err := parseChatRef(args[1])
	if err != nil {
		return unsetArgs{}, err
	}
	return unsetArgs{Mode: unsetPair, Source: src, Destination: dst}, nil
}

// handleUnset 处理 /unset 命令
func (b *Bot) handleUnset(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := update.Message
	args, err := parseUnsetArgs(commandArgs(msg.Text))
	if err != nil {
		b.sendErrorMessage(ctx, msg.Chat.ID, "用法: /unset s|t &lt;会话&gt; 或 /unset &lt;源&gt; &lt;目标&gt;")
		return
	}

	ownerID := msg.From.ID
	switch args.Mode {
	case unsetSource, unsetDestination:
		ref := args.Source
		if args.Mode == unsetDestination {
			ref = args.Destination
		}
		chatID, err := b.resolveChatRef(ctx, ref)
		if err != nil {
			b.sendErrorMessage(ctx, msg.Chat.ID, fmt.Sprintf("无法解析会话: %s", html.EscapeString(err.Error())))
			return
		}

		var n int64
		if args.Mode == unsetSource {
			n, err = b.ruleService.UnsetBySource(ctx, ownerID, chatID)
		} else {
			n, err = b.ruleService.UnsetByDestination(ctx, ownerID, chatID)
		}
		if err != nil {
			b.sendErrorMessage(ctx, msg.Chat.ID, "删除规则失败")
			return
		}
		b.sendSuccessMessage(ctx, msg.Chat.ID, fmt.Sprintf("已删除 <code>%d</code> 相关的 %d 条规则", chatID, n))

	default:
		src, err := b.resolveChatRef(ctx, args.Source)
		if err != nil {
			b.sendErrorMessage(ctx, msg.Chat.ID, fmt.Sprintf("无法解析源会话: %s", html.EscapeString(err.Error())))
			return
		}
		dst, err := b.resolveChatRef(ctx, args.Destination)
		if err != nil {
			b.sendErrorMessage(ctx, msg.Chat.ID, fmt.Sprintf("无法解析目标会话: %s", html.EscapeString(err.Error())))
			return
		}

		key := models.RuleKey{OwnerID: ownerID, SourceChatID: src, DestinationChatID: dst}
		deleted, err := b.ruleService.UnsetRule(ctx, key)
		if err != nil {
			b.sendErrorMessage(ctx, msg.Chat.ID, "删除规则失败")
			return
		}
		if !deleted {
			b.sendMessage(ctx, msg.Chat.ID, "ℹ️ 规则不存在")
			return
		}
		b.sendSuccessMessage(ctx, msg.Chat.ID, fmt.Sprintf("已删除规则 <code>%d</code> ➔ <code>%d</code>", src, dst))
	}
}

// handleList 处理 /list 命令
func (b *Bot) handleList(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := update.Message
	rules, err := b.ruleService.ListRules(ctx, msg.From.ID)
	if err != nil {
		b.sendErrorMessage(ctx, msg.Chat.ID, "查询失败")
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, formatRuleList(rules))
}

// formatRuleList 按目标分组展示规则
func formatRuleList(rules []*models.ForwardRule) string {
	if len(rules) == 0 {
		return "📝 暂无转发规则"
	}

	var text strings.Builder
	text.WriteString("📋 转发规则:\n")
	var lastDest int64
	for i, rule := range rules {
		if i == 0 || rule.DestinationChatID != lastDest {
			fmt.Fprintf(&text, "\n🎯 <code>%d</code>\n", rule.DestinationChatID)
			lastDest = rule.DestinationChatID
		}
		fmt.Fprintf(&text, "  ← <code>%d</code>  断点 <code>%d</code>", rule.SourceChatID, rule.LastProcessedMessageID)
		if n := len(rule.SortedPendingRanges()); n > 0 {
			fmt.Fprintf(&text, "  待补扫 %d", n)
		}
		text.WriteString("\n")
	}
	return text.String()
}

// handleScan 处理 /scan 命令
func (b *Bot) handleScan(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := update.Message
	if b.scanner == nil {
		b.sendErrorMessage(ctx, msg.Chat.ID, "未配置 TELEGRAM_API_ID / TELEGRAM_API_HASH，无法扫描历史")
		return
	}

	report, err := b.scanner.Start(ctx, msg.From.ID, msg.Chat.ID)
	if err != nil {
		if errors.Is(err, forward.ErrNoCredential) {
			b.sendErrorMessage(ctx, msg.Chat.ID, "请先使用 /login &lt;session&gt; 保存 session")
			return
		}
		logger.L().Errorf("Failed to start scan for owner %d: %v", msg.From.ID, err)
		b.sendErrorMessage(ctx, msg.Chat.ID, "启动扫描失败")
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, formatStartReport(report))
}

// formatStartReport /scan 受理结果
func formatStartReport(report *forward.StartReport) string {
	if len(report.Started) == 0 && len(report.AlreadyRunning) == 0 {
		return "📝 暂无转发规则，请先使用 /set 添加"
	}

	var text strings.Builder
	if n := len(report.Started); n > 0 {
		fmt.Fprintf(&text, "▶️ 开始扫描 %d 条规则", n)
	}
	if len(report.AlreadyRunning) > 0 {
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString("⚠️ 以下规则正在扫描中:")
		for _, key := range report.AlreadyRunning {
			fmt.Fprintf(&text, "\n<code>%d</code> ➔ <code>%d</code>", key.SourceChatID, key.DestinationChatID)
		}
	}
	return text.String()
}

// handleStop 处理 /stop 命令
func (b *Bot) handleStop(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := update.Message
	if b.scanner == nil {
		b.sendMessage(ctx, msg.Chat.ID, "ℹ️ 没有正在进行的扫描")
		return
	}

	n := b.scanner.Stop(msg.From.ID)
	if n == 0 {
		b.sendMessage(ctx, msg.Chat.ID, "ℹ️ 没有正在进行的扫描")
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("🛑 已请求停止 %d 个扫描任务", n))
}

// handleAdminOnly 处理 /adminonly 命令
func (b *Bot) handleAdminOnly(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := update.Message
	enabled, err := b.settingService.ToggleAdminOnly(ctx, msg.From.ID)
	if err != nil {
		b.sendErrorMessage(ctx, msg.Chat.ID, "切换失败")
		return
	}
	if enabled {
		b.sendMessage(ctx, msg.Chat.ID, "✅ 已开启仅管理员模式")
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, "❎ 已关闭仅管理员模式")
}

// handleUpdate 默认处理器：源会话中的新消息进入实时转发
func (b *Bot) handleUpdate(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	if b.dispatcher == nil || incomingMessage(update) == nil {
		return
	}
	b.realtimePool.Submit(HandlerTask{
		Ctx:         ctx,
		BotInstance: botInstance,
		Update:      update,
		Handler:     b.handleRealtime,
	})
}

// incomingMessage 频道消息或群消息
func incomingMessage(update *botModels.Update) *botModels.Message {
	if update == nil {
		return nil
	}
	if update.ChannelPost != nil {
		return update.ChannelPost
	}
	return update.Message
}

// toForwardMessage Bot 收到的消息转为转发视图，Ref 保留原消息用于按 file_id 重发
func toForwardMessage(msg *botModels.Message) forward.Message {
	return forward.Message{
		ID:     msg.ID,
		ChatID: msg.Chat.ID,
		Video:  msg.Video != nil,
		Ref:    msg,
	}
}

// handleRealtime 实时转发
func (b *Bot) handleRealtime(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := incomingMessage(update)
	if msg == nil {
		return
	}

	n, err := b.dispatcher.Dispatch(ctx, toForwardMessage(msg))
	if err != nil {
		logger.L().Errorf("Realtime dispatch failed for message %d in chat %d: %v", msg.ID, msg.Chat.ID, err)
		return
	}
	if n > 0 {
		logger.L().Debugf("Realtime dispatched message %d from chat %d to %d destinations", msg.ID, msg.Chat.ID, n)
	}
}
