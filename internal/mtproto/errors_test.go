package mtproto

import (
	"errors"
	"io"
	"testing"
	"time"

	"relay_bot/internal/telegram/forward"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"
)

func TestMapErrorFloodWait(t *testing.T) {
	err := mapError(tgerr.New(420, "FLOOD_WAIT_5"))

	var rl *forward.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 5*time.Second, rl.RetryAfter)
	require.True(t, forward.IsRateLimit(err))
}

func TestMapErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "unregistered key", err: tgerr.New(401, "AUTH_KEY_UNREGISTERED"), want: forward.ErrCredentialExpired},
		{name: "revoked", err: tgerr.New(401, "SESSION_REVOKED"), want: forward.ErrCredentialExpired},
		{name: "other unauthorized", err: tgerr.New(401, "SOMETHING_NEW"), want: forward.ErrCredentialExpired},
		{name: "private channel", err: tgerr.New(400, "CHANNEL_PRIVATE"), want: forward.ErrNotParticipant},
		{name: "write forbidden", err: tgerr.New(403, "CHAT_WRITE_FORBIDDEN"), want: forward.ErrNotParticipant},
		{name: "invalid peer", err: tgerr.New(400, "PEER_ID_INVALID"), want: forward.ErrPeerNotFound},
		{name: "bad request", err: tgerr.New(400, "MESSAGE_ID_INVALID"), want: forward.ErrRejected},
		{name: "not acceptable", err: tgerr.New(406, "CHAT_FORWARDS_RESTRICTED"), want: forward.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(tt.err)
			require.ErrorIs(t, err, tt.want)
			require.True(t, forward.IsPermanent(err))
			require.True(t, tgerr.Is(err, tt.err.(*tgerr.Error).Type))
		})
	}
}

func TestMapErrorPassThrough(t *testing.T) {
	require.NoError(t, mapError(nil))

	err := mapError(io.ErrUnexpectedEOF)
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	require.False(t, forward.IsPermanent(err))

	internal := mapError(tgerr.New(500, "INTERNAL"))
	require.False(t, forward.IsPermanent(internal))
}
