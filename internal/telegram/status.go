package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relay_bot/internal/logger"
	"relay_bot/internal/telegram/forward"
	"relay_bot/internal/telegram/models"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

const recentScanRuns = 5

// handleStatus 处理 /status 命令
func (b *Bot) handleStatus(ctx context.Context, botInstance *bot.Bot, update *botModels.Update) {
	msg := update.Message
	b.sendMessage(ctx, msg.Chat.ID, b.buildStatusMessage(ctx, msg.From.ID))
}

// buildStatusMessage 构建 /status 的响应文本
func (b *Bot) buildStatusMessage(ctx context.Context, ownerID int64) string {
	now := time.Now()
	sections := make([]string, 0, 3)

	var running []forward.TaskSnapshot
	if b.scanner != nil {
		running = b.scanner.Running(ownerID)
	}
	sections = append(sections, formatRunningTasks(running, now))

	if b.scanRuns != nil {
		runs, err := b.scanRuns.ListRecentByOwner(ctx, ownerID, recentScanRuns)
		if err != nil {
			logger.L().Errorf("Failed to list scan runs for owner %d: %v", ownerID, err)
		} else if len(runs) > 0 {
			sections = append(sections, formatScanRuns(runs))
		}
	}

	sections = append(sections, b.buildHealthLines(ctx))
	return strings.Join(sections, "\n\n")
}

// formatRunningTasks 正在进行的扫描
func formatRunningTasks(tasks []forward.TaskSnapshot, now time.Time) string {
	if len(tasks) == 0 {
		return "💤 没有正在进行的扫描"
	}

	var text strings.Builder
	fmt.Fprintf(&text, "🔄 正在扫描 %d 条规则:", len(tasks))
	for _, task := range tasks {
		fmt.Fprintf(&text, "\n<code>%d</code> ➔ <code>%d</code> [%s] 转发 %d，跳过 %d，失败 %d，已运行 %s",
			task.Rule.SourceChatID, task.Rule.DestinationChatID, task.State,
			task.Forwarded, task.Skipped, task.Failed, formatDuration(now.Sub(task.StartedAt)))
	}
	return text.String()
}

// formatScanRuns 最近的扫描记录
func formatScanRuns(runs []*models.ScanRun) string {
	var text strings.Builder
	text.WriteString("🗂 最近扫描:")
	for _, run := range runs {
		icon := "✅"
		switch run.State {
		case models.ScanStateCancelled:
			icon = "⏹"
		case models.ScanStateFailed:
			icon = "❌"
		}
		fmt.Fprintf(&text, "\n%s <code>%d</code> ➔ <code>%d</code> %s 转发 %d，失败 %d，断点 %d → %d，耗时 %s",
			icon, run.SourceChatID, run.DestinationChatID,
			run.FinishedAt.Format("01-02 15:04"),
			run.Forwarded, run.Failed, run.CheckpointBefore, run.CheckpointAfter,
			formatDuration(run.Duration()))
		if run.Error != "" {
			fmt.Fprintf(&text, "（%s）", run.Error)
		}
	}
	return text.String()
}

// buildHealthLines 运行时间、工作池与数据库状态
func (b *Bot) buildHealthLines(ctx context.Context) string {
	lines := make([]string, 0, 3)

	if !b.startTime.IsZero() {
		lines = append(lines, fmt.Sprintf("⏱ 运行时间: %s", formatDuration(time.Since(b.startTime))))
	}

	if b.workerPool != nil {
		stats := b.workerPool.Stats()
		lines = append(lines, fmt.Sprintf("🛠 工作池: %d 个协程，队列 %d/%d", stats.Workers, stats.QueueLength, stats.QueueCapacity))
	}
	if b.realtimePool != nil {
		stats := b.realtimePool.Stats()
		lines = append(lines, fmt.Sprintf("📡 实时转发池: %d 个协程，队列 %d/%d", stats.Workers, stats.QueueLength, stats.QueueCapacity))
	}

	if b.db != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := b.db.Client().Ping(dbCtx, nil); err != nil {
			lines = append(lines, fmt.Sprintf("🗄 数据库: ⚠️ %v", err))
		} else {
			lines = append(lines, "🗄 数据库: ✅ 正常")
		}
	}

	return strings.Join(lines, "\n")
}

// formatDuration 将持续时间格式化为人类可读的字符串
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	d = d.Round(time.Second)

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	parts := make([]string, 0, 4)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d天", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%d小时", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%d分钟", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d秒", seconds))
	}

	return strings.Join(parts, " ")
}
