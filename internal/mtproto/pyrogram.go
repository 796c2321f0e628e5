package mtproto

import (
	"encoding/base64"
	"net"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram/dcs"
)

// Pyrogram string session 的三种布局（大端）：
//
//	>BI?256sQ?  dc_id, api_id, test_mode, auth_key, user_id, is_bot  (271)
//	>B?256sQ?   dc_id, test_mode, auth_key, user_id, is_bot          (267)
//	>B?256sI?   dc_id, test_mode, auth_key, user_id, is_bot          (263)
const (
	pyrogramSize      = 271
	pyrogramSizeOld64 = 267
	pyrogramSizeOld   = 263
)

// PyrogramSession 解析 Pyrogram 的 string session
// Pyrogram 不保存 DC 地址，按 dc_id 从内置 DC 列表中选取
func PyrogramSession(input string) (*session.Data, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(input, "="))
	if err != nil {
		return nil, errors.Wrap(err, "decode base64")
	}

	var (
		testMode bool
		key      []byte
	)
	switch len(raw) {
	case pyrogramSize:
		testMode = raw[5] != 0
		key = raw[6 : 6+256]
	case pyrogramSizeOld64, pyrogramSizeOld:
		testMode = raw[1] != 0
		key = raw[2 : 2+256]
	default:
		return nil, errors.Errorf("unexpected pyrogram session length %d", len(raw))
	}

	dc := int(raw[0])
	addr, err := dcAddr(dc, testMode)
	if err != nil {
		return nil, err
	}

	var authKey crypto.Key
	copy(authKey[:], key)
	if authKey.Zero() {
		return nil, errors.New("session has no auth key")
	}
	id := authKey.WithID().ID

	return &session.Data{
		DC:        dc,
		Addr:      addr,
		AuthKey:   authKey[:],
		AuthKeyID: id[:],
	}, nil
}

func dcAddr(dc int, testMode bool) (string, error) {
	list := dcs.Prod()
	if testMode {
		list = dcs.Test()
	}

	for _, opt := range dcs.FindPrimaryDCs(list.Options, dc, false) {
		if opt.Ipv6 || opt.TCPObfuscatedOnly {
			continue
		}
		return net.JoinHostPort(opt.IPAddress, strconv.Itoa(opt.Port)), nil
	}
	return "", errors.Errorf("unknown dc %d", dc)
}
