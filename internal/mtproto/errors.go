package mtproto

import (
	"fmt"
	"net/http"

	"relay_bot/internal/telegram/forward"

	"github.com/gotd/td/tgerr"
)

var (
	credentialErrors = []string{
		"AUTH_KEY_UNREGISTERED",
		"AUTH_KEY_INVALID",
		"AUTH_KEY_PERM_EMPTY",
		"SESSION_REVOKED",
		"SESSION_EXPIRED",
		"USER_DEACTIVATED",
		"USER_DEACTIVATED_BAN",
	}
	participantErrors = []string{
		"CHANNEL_PRIVATE",
		"CHAT_FORBIDDEN",
		"USER_NOT_PARTICIPANT",
		"CHAT_WRITE_FORBIDDEN",
		"CHAT_ADMIN_REQUIRED",
		"USER_BANNED_IN_CHANNEL",
		"CHAT_SEND_MEDIA_FORBIDDEN",
		"CHAT_SEND_VIDEOS_FORBIDDEN",
	}
	peerErrors = []string{
		"PEER_ID_INVALID",
		"CHANNEL_INVALID",
		"CHAT_ID_INVALID",
		"USERNAME_INVALID",
		"USERNAME_NOT_OCCUPIED",
	}
)

// mapError 把 RPC 错误转换为 forward 的错误分类
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &forward.RateLimitError{RetryAfter: d}
	}

	switch {
	case tgerr.Is(err, credentialErrors...):
		return fmt.Errorf("%w: %w", forward.ErrCredentialExpired, err)
	case tgerr.Is(err, participantErrors...):
		return fmt.Errorf("%w: %w", forward.ErrNotParticipant, err)
	case tgerr.Is(err, peerErrors...):
		return fmt.Errorf("%w: %w", forward.ErrPeerNotFound, err)
	}

	if rpcErr, ok := tgerr.As(err); ok {
		switch rpcErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", forward.ErrCredentialExpired, err)
		case http.StatusBadRequest, http.StatusForbidden, http.StatusNotAcceptable:
			return fmt.Errorf("%w: %w", forward.ErrRejected, err)
		}
	}
	return err
}
