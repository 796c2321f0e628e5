package mtproto

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
)

// ParseCredential 接受 Telethon / Pyrogram string session 或 base64 编码的 gotd session，
// 返回 gotd 存储格式
func ParseCredential(ctx context.Context, input string) ([]byte, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("empty session")
	}

	if data, err := session.TelethonSession(input); err == nil {
		return encodeData(ctx, data)
	}
	if data, err := PyrogramSession(input); err == nil {
		return encodeData(ctx, data)
	}

	raw, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(input); err != nil {
			return nil, errors.New("session is not a Telethon/Pyrogram string session nor base64")
		}
	}

	storage := new(session.StorageMemory)
	if err := storage.StoreSession(ctx, raw); err != nil {
		return nil, errors.Wrap(err, "store session")
	}
	data, err := (&session.Loader{Storage: storage}).Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "decode session")
	}
	if len(data.AuthKey) == 0 {
		return nil, errors.New("session has no auth key")
	}
	return raw, nil
}

func encodeData(ctx context.Context, data *session.Data) ([]byte, error) {
	storage := new(session.StorageMemory)
	if err := (&session.Loader{Storage: storage}).Save(ctx, data); err != nil {
		return nil, errors.Wrap(err, "save session")
	}
	raw, err := storage.LoadSession(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return raw, nil
}

// Parse /login 使用的 session 解析
func (c *Client) Parse(ctx context.Context, input string) ([]byte, error) {
	return ParseCredential(ctx, input)
}
