// Package mtproto 基于 gotd/td 运行用户 session，并以 forward.Transport 的形式提供给扫描引擎
package mtproto

import (
	"context"
	"time"

	"relay_bot/internal/config"
	"relay_bot/internal/telegram/forward"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/peers"
	"go.uber.org/zap"
)

// Client 根据保存的 session 打开用户会话
type Client struct {
	appID   int
	appHash string
	timeout time.Duration
	log     *zap.Logger
}

// New 校验 API 凭据并创建 Client
func New(cfg config.MTProtoConfig, timeout time.Duration) (*Client, error) {
	if cfg.AppID == 0 || cfg.AppHash == "" {
		return nil, errors.New("TELEGRAM_API_ID and TELEGRAM_API_HASH are required for user sessions")
	}

	log := zap.NewNop()
	if cfg.Debug {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, errors.Wrap(err, "create zap logger")
		}
		log = l
	}

	return &Client{
		appID:   cfg.AppID,
		appHash: cfg.AppHash,
		timeout: timeout,
		log:     log,
	}, nil
}

func (c *Client) run(ctx context.Context, credential []byte, f func(ctx context.Context, client *telegram.Client) error) error {
	storage := new(session.StorageMemory)
	if err := storage.StoreSession(ctx, credential); err != nil {
		return errors.Wrap(err, "load session")
	}

	client := telegram.NewClient(c.appID, c.appHash, telegram.Options{
		SessionStorage: storage,
		Logger:         c.log.Named("td"),
		NoUpdates:      true,
	})

	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return mapError(errors.Wrap(err, "auth status"))
		}
		if !status.Authorized {
			return errors.Wrap(forward.ErrCredentialExpired, "session is not authorized")
		}
		return f(ctx, client)
	})
}

// Run 实现 forward.SessionOpener
func (c *Client) Run(ctx context.Context, credential []byte, fn func(ctx context.Context, t forward.Transport) error) error {
	return c.run(ctx, credential, func(ctx context.Context, client *telegram.Client) error {
		api := client.API()
		return fn(ctx, newTransport(api, peers.Options{Logger: c.log.Named("peers")}.Build(api)))
	})
}

// Verify 确认 session 已授权并返回账号名称
func (c *Client) Verify(ctx context.Context, credential []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var name string
	err := c.run(ctx, credential, func(ctx context.Context, client *telegram.Client) error {
		self, err := client.Self(ctx)
		if err != nil {
			return mapError(errors.Wrap(err, "get self"))
		}
		name = displayName(self.FirstName, self.LastName, self.Username)
		return nil
	})
	return name, err
}

func displayName(first, last, username string) string {
	name := first
	if last != "" {
		if name != "" {
			name += " "
		}
		name += last
	}
	if name == "" && username != "" {
		name = "@" + username
	}
	return name
}
