package forward

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPeerNotFound 会话不存在或无法解析
	ErrPeerNotFound = errors.New("peer not found")
	// ErrNotParticipant 当前身份不在该会话中
	ErrNotParticipant = errors.New("not a participant")
	// ErrCredentialExpired 用户 session 已失效，本次扫描的所有规则都无法继续
	ErrCredentialExpired = errors.New("credential expired")
	// ErrHistoryUnavailable 传输层不支持读取历史（Bot 身份）
	ErrHistoryUnavailable = errors.New("history unavailable")
	// ErrNoCredential 用户尚未登录
	ErrNoCredential = errors.New("no credential stored")
	// ErrRejected 其他不可重试的请求错误（如 4xx）
	ErrRejected = errors.New("request rejected")
)

// RateLimitError 服务端要求等待后重试
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
}

// IsRateLimit 判断是否为限流错误
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// retryAfter 返回限流错误要求的等待时长
func retryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsPermanent 判断错误是否重试也无法恢复
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPeerNotFound) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrCredentialExpired) ||
		errors.Is(err, ErrHistoryUnavailable) ||
		errors.Is(err, ErrRejected)
}

// shouldRetryForward 限流与未分类的网络错误可重试
func shouldRetryForward(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimit(err) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}
