package forward

import "context"

// Peer 已解析的会话
// Ref 由具体传输层持有（如 MTProto InputPeer），引擎不关心其内容
type Peer struct {
	ChatID int64
	Title  string
	Ref    any
}

// Message 历史或实时消息的最小视图
type Message struct {
	ID     int
	ChatID int64
	Video  bool
	Ref    any
}

// CopyOptions 复制消息的选项
type CopyOptions struct {
	DropAuthor  bool // 不显示"转发自"
	DropCaption bool
	Silent      bool
}

// DefaultCopyOptions 复制为无来源、无说明、静默发送
func DefaultCopyOptions() CopyOptions {
	return CopyOptions{DropAuthor: true, DropCaption: true, Silent: true}
}

// PeerSource 解析会话
type PeerSource interface {
	ResolvePeer(ctx context.Context, chatID int64) (Peer, error)
}

// HistorySource 按 ID 倒序读取历史，只返回 ID < offsetID 的消息（offsetID 为 0 时从最新开始）
type HistorySource interface {
	History(ctx context.Context, peer Peer, offsetID, limit int) ([]Message, error)
}

// Sender 复制单条消息
type Sender interface {
	Copy(ctx context.Context, msg Message, src, dst Peer, opts CopyOptions) error
}

// Transport 用户 session 提供的完整能力
type Transport interface {
	PeerSource
	HistorySource
	Sender
}

// Notifier 向用户发送进度通知，失败只记录日志
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string)
}

// SessionOpener 用保存的凭据建立用户 session，fn 返回后 session 关闭
type SessionOpener interface {
	Run(ctx context.Context, credential []byte, fn func(ctx context.Context, t Transport) error) error
}

// CredentialSource 读取用户凭据，未登录时返回 ErrNoCredential
type CredentialSource interface {
	Load(ctx context.Context, ownerID int64) ([]byte, error)
}
