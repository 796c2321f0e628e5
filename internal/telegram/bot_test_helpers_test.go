package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"

	"relay_bot/internal/telegram/forward"
	"relay_bot/internal/telegram/models"
	"relay_bot/internal/telegram/repository"
	"relay_bot/internal/telegram/service"

	botModels "github.com/go-telegram/bot/models"
)

const testToken = "123456:TEST"

type apiCall struct {
	Method string
	Fields map[string]string
}

func (c apiCall) Field(key string) string {
	return strings.Trim(c.Fields[key], `"`)
}

// fakeBotAPI Bot API 的 httptest 替身，记录请求并按方法返回预设响应
type fakeBotAPI struct {
	mu        sync.Mutex
	calls     []apiCall
	responses map[string]string
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	t.Helper()
	api := &fakeBotAPI{responses: make(map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeBotAPI) respond(method, body string) {
	a.mu.Lock()
	a.responses[method] = body
	a.mu.Unlock()
}

func (a *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	fields := readFields(r)

	a.mu.Lock()
	a.calls = append(a.calls, apiCall{Method: method, Fields: fields})
	body, ok := a.responses[method]
	a.mu.Unlock()

	if !ok {
		switch method {
		case "deleteMessage":
			body = `{"ok":true,"result":true}`
		case "getChat":
			body = `{"ok":true,"result":{"id":-1009,"type":"channel","title":"News","username":"news_channel"}}`
		default:
			body = `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func readFields(r *http.Request) map[string]string {
	fields := make(map[string]string)
	raw, _ := io.ReadAll(r.Body)

	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		reader := multipart.NewReader(bytes.NewReader(raw), params["boundary"])
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			value, _ := io.ReadAll(part)
			fields[part.FormName()] = string(value)
		}
	default:
		var decoded map[string]any
		if json.Unmarshal(raw, &decoded) == nil {
			for k, v := range decoded {
				fields[k] = fmt.Sprint(v)
			}
		}
	}
	return fields
}

func (a *fakeBotAPI) callsTo(method string) []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []apiCall
	for _, c := range a.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (a *fakeBotAPI) lastText(t *testing.T) string {
	t.Helper()
	calls := a.callsTo("sendMessage")
	if len(calls) == 0 {
		t.Fatalf("expected a sendMessage call")
	}
	return calls[len(calls)-1].Field("text")
}

type stubRuleService struct {
	rules   []*models.ForwardRule
	set     []models.RuleKey
	unset   []models.RuleKey
	bySrc   []int64
	byDst   []int64
	deleted bool
}

func (s *stubRuleService) SetRule(ctx context.Context, key models.RuleKey, lastProcessedID int) (*models.ForwardRule, error) {
	if key.SourceChatID == key.DestinationChatID {
		return nil, service.ErrSameChat
	}
	s.set = append(s.set, key)
	return &models.ForwardRule{
		OwnerID:                key.OwnerID,
		SourceChatID:           key.SourceChatID,
		DestinationChatID:      key.DestinationChatID,
		LastProcessedMessageID: lastProcessedID,
	}, nil
}

func (s *stubRuleService) UnsetRule(ctx context.Context, key models.RuleKey) (bool, error) {
	s.unset = append(s.unset, key)
	return s.deleted, nil
}

func (s *stubRuleService) UnsetBySource(ctx context.Context, ownerID, sourceChatID int64) (int64, error) {
	s.bySrc = append(s.bySrc, sourceChatID)
	return 2, nil
}

func (s *stubRuleService) UnsetByDestination(ctx context.Context, ownerID, destinationChatID int64) (int64, error) {
	s.byDst = append(s.byDst, destinationChatID)
	return 1, nil
}

func (s *stubRuleService) ListRules(ctx context.Context, ownerID int64) ([]*models.ForwardRule, error) {
	return s.rules, nil
}

type stubSessionService struct {
	loginErr error
	inputs   []string
}

func (s *stubSessionService) Login(ctx context.Context, ownerID int64, input string) (string, error) {
	s.inputs = append(s.inputs, input)
	if s.loginErr != nil {
		return "", s.loginErr
	}
	return "Alice <main>", nil
}

func (s *stubSessionService) Logout(ctx context.Context, ownerID int64) (bool, error) {
	return true, nil
}

func (s *stubSessionService) Load(ctx context.Context, ownerID int64) ([]byte, error) {
	return nil, forward.ErrNoCredential
}

type stubSettingService struct {
	adminOnly bool
}

func (s *stubSettingService) AdminOnly(ctx context.Context) (bool, error) {
	return s.adminOnly, nil
}

func (s *stubSettingService) ToggleAdminOnly(ctx context.Context, updatedBy int64) (bool, error) {
	s.adminOnly = !s.adminOnly
	return s.adminOnly, nil
}

type stubScanRuns struct {
	repository.ScanRunRepository
	runs []*models.ScanRun
}

func (s *stubScanRuns) ListRecentByOwner(ctx context.Context, ownerID int64, limit int64) ([]*models.ScanRun, error) {
	return s.runs, nil
}

type stubScanner struct {
	report   *forward.StartReport
	err      error
	stopped  int
	snapshot []forward.TaskSnapshot
}

func (s *stubScanner) Start(ctx context.Context, ownerID, notifyChatID int64) (*forward.StartReport, error) {
	return s.report, s.err
}

func (s *stubScanner) Stop(ownerID int64) int {
	return s.stopped
}

func (s *stubScanner) Running(ownerID int64) []forward.TaskSnapshot {
	return s.snapshot
}

type stubDispatcher struct {
	mu   sync.Mutex
	msgs []forward.Message
}

func (d *stubDispatcher) Dispatch(ctx context.Context, msg forward.Message) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return 1, nil
}

type testBot struct {
	*Bot
	api      *fakeBotAPI
	rules    *stubRuleService
	sessions *stubSessionService
	settings *stubSettingService
	runs     *stubScanRuns
}

const testOwnerID = 1

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	api, srv := newFakeBotAPI(t)

	tb := &testBot{
		api:      api,
		rules:    &stubRuleService{},
		sessions: &stubSessionService{},
		settings: &stubSettingService{},
		runs:     &stubScanRuns{},
	}

	b, err := New(Config{
		Token:     testToken,
		OwnerIDs:  []int64{testOwnerID},
		Workers:   1,
		SendRate:  1000,
		ServerURL: srv.URL,
	}, nil, Services{
		Rules:    tb.rules,
		Sessions: tb.sessions,
		Settings: tb.settings,
		ScanRuns: tb.runs,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		b.realtimePool.Shutdown()
		b.workerPool.Shutdown()
	})

	tb.Bot = b
	return tb
}

func commandUpdate(userID int64, text string) *botModels.Update {
	return &botModels.Update{
		Message: &botModels.Message{
			ID:   77,
			Text: text,
			Chat: botModels.Chat{ID: userID, Type: "private"},
			From: &botModels.User{ID: userID, FirstName: "tester"},
		},
	}
}
