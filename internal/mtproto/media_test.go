package mtproto

import (
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"
)

func documentMessage(attrs ...tg.DocumentAttributeClass) *tg.Message {
	return &tg.Message{
		ID: 10,
		Media: &tg.MessageMediaDocument{
			Document: &tg.Document{ID: 1, Attributes: attrs},
		},
	}
}

func TestIsVideo(t *testing.T) {
	tests := []struct {
		name string
		msg  *tg.Message
		want bool
	}{
		{name: "plain text", msg: &tg.Message{ID: 1, Message: "hello"}, want: false},
		{name: "photo", msg: &tg.Message{ID: 2, Media: &tg.MessageMediaPhoto{}}, want: false},
		{name: "video", msg: documentMessage(&tg.DocumentAttributeVideo{Duration: 12, W: 640, H: 360}), want: true},
		{name: "video with filename", msg: documentMessage(
			&tg.DocumentAttributeFilename{FileName: "clip.mp4"},
			&tg.DocumentAttributeVideo{Duration: 3},
		), want: true},
		{name: "round message", msg: documentMessage(&tg.DocumentAttributeVideo{RoundMessage: true}), want: false},
		{name: "animation", msg: documentMessage(&tg.DocumentAttributeVideo{}, &tg.DocumentAttributeAnimated{}), want: false},
		{name: "file", msg: documentMessage(&tg.DocumentAttributeFilename{FileName: "a.zip"}), want: false},
		{name: "empty document", msg: &tg.Message{Media: &tg.MessageMediaDocument{Document: &tg.DocumentEmpty{ID: 1}}}, want: false},
		{name: "document missing", msg: &tg.Message{Media: &tg.MessageMediaDocument{}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isVideo(tt.msg))
		})
	}
}

func TestConvertMessages(t *testing.T) {
	msgs := []tg.MessageClass{
		documentMessage(&tg.DocumentAttributeVideo{}),
		&tg.MessageService{ID: 9},
		&tg.Message{ID: 8},
		&tg.MessageEmpty{ID: 7},
	}

	got := convertMessages(-1001, msgs)
	require.Len(t, got, 3)
	require.Equal(t, 10, got[0].ID)
	require.True(t, got[0].Video)
	require.Equal(t, int64(-1001), got[0].ChatID)
	require.Equal(t, 9, got[1].ID)
	require.False(t, got[1].Video)
	require.Equal(t, 8, got[2].ID)
	require.False(t, got[2].Video)
}

func TestDisplayName(t *testing.T) {
	require.Equal(t, "Ann Lee", displayName("Ann", "Lee", "ann"))
	require.Equal(t, "Lee", displayName("", "Lee", ""))
	require.Equal(t, "@ann", displayName("", "", "ann"))
	require.Equal(t, "", displayName("", "", ""))
}
