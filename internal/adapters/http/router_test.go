package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	router "github.com/dkeye/roomsync/internal/adapters/http"
	"github.com/dkeye/roomsync/internal/adapters/httpclient"
	"github.com/dkeye/roomsync/internal/adapters/token"
	"github.com/dkeye/roomsync/internal/adapters/wsclient"
	"github.com/dkeye/roomsync/internal/app"
	"github.com/dkeye/roomsync/internal/app/orch"
	"github.com/dkeye/roomsync/internal/client/clienttest"
	"github.com/dkeye/roomsync/internal/client/connection"
	"github.com/dkeye/roomsync/internal/client/session"
	"github.com/dkeye/roomsync/internal/config"
	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/metrics"
	"github.com/dkeye/roomsync/internal/protocol"
)

type relay struct {
	srv    *httptest.Server
	tokens *token.Service
	orch   *orch.Orchestrator
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	cfg := &config.Server{Mode: "test", Secret: "s3cret", PingPeriod: time.Minute, SendBuffer: 64}
	o := &orch.Orchestrator{
		Registry:    app.NewRegistry(),
		Sessions:    app.NewSessionManager(100),
		Policy:      app.SimplePolicy{},
		RoomLimiter: app.NewRateLimiter(10, time.Minute),
		Seen:        app.NewIdempotency(256),
		Metrics:     metrics.NewServer(reg),
	}
	tokens := token.NewService(cfg.Secret, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, o, tokens, reg))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &relay{srv: srv, tokens: tokens, orch: o}
}

func (r *relay) token(t *testing.T, p domain.ParticipantID, role domain.Role) string {
	t.Helper()
	raw, err := r.tokens.Issue(p, strings.ToUpper(string(p)), role)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// call posts body with bearer tok and decodes the envelope.
func (r *relay) call(t *testing.T, hc *http.Client, method, path, tok, key string, body any) (int, httpclient.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, r.srv.URL+path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if key != "" {
		req.Header.Set(httpclient.IdempotencyHeader, key)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out httpclient.Response
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestRouter_RequiresCredential(t *testing.T) {
	r := newRelay(t)
	status, body := r.call(t, http.DefaultClient, http.MethodGet, "/api/sessions", "", "", nil)
	if status != http.StatusUnauthorized || body.Code != protocol.CodeUnauthorized {
		t.Fatalf("no token: %d %+v", status, body)
	}
	status, _ = r.call(t, http.DefaultClient, http.MethodGet, "/api/sessions", "forged", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("forged token: %d", status)
	}
	resp, err := http.Get(r.srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
}

func TestRouter_LoginCookie(t *testing.T) {
	r := newRelay(t)
	jar, _ := cookiejar.New(nil)
	hc := &http.Client{Jar: jar}

	status, _ := r.call(t, hc, http.MethodPost, "/api/login", "", "", map[string]string{"token": "forged"})
	if status != http.StatusUnauthorized {
		t.Fatalf("forged login: %d", status)
	}
	status, body := r.call(t, hc, http.MethodPost, "/api/login", "", "", map[string]string{"token": r.token(t, "p1", 0)})
	if status != http.StatusOK || !body.Success {
		t.Fatalf("login: %d %+v", status, body)
	}
	if status, _ = r.call(t, hc, http.MethodGet, "/api/sessions", "", "", nil); status != http.StatusOK {
		t.Fatalf("cookie not accepted: %d", status)
	}
	r.call(t, hc, http.MethodPost, "/api/logout", "", "", nil)
	if status, _ = r.call(t, hc, http.MethodGet, "/api/sessions", "", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("after logout: %d", status)
	}
}

func TestRouter_StatusMapping(t *testing.T) {
	r := newRelay(t)
	hc := http.DefaultClient
	host := r.token(t, "h1", 0)
	guest := r.token(t, "p1", 0)

	for _, tok := range []string{host, guest} {
		if status, body := r.call(t, hc, http.MethodPost, "/api/sessions/s1/join", tok, "", nil); status != http.StatusOK {
			t.Fatalf("join: %d %+v", status, body)
		}
	}
	tests := []struct {
		name   string
		method string
		path   string
		tok    string
		body   any
		status int
		code   protocol.ErrorCode
	}{
		{"guest creates room", http.MethodPost, "/api/sessions/s1/rooms", guest, protocol.CreateRoomPayload{Config: domain.RoomConfig{ID: "r1", Name: "a"}}, http.StatusForbidden, protocol.CodeInsufficientPermission},
		{"unknown room", http.MethodPost, "/api/sessions/s1/rooms/r9/join", guest, nil, http.StatusNotFound, protocol.CodeRoomNotFound},
		{"empty message", http.MethodPost, "/api/sessions/s1/messages", guest, protocol.SendMessagePayload{}, http.StatusBadRequest, protocol.CodeEmptyMessage},
		{"bad json", http.MethodPost, "/api/sessions/s1/mic", guest, "not an object", http.StatusBadRequest, protocol.CodeBadRequest},
		{"unknown session", http.MethodGet, "/api/sessions/nope", guest, nil, http.StatusNotFound, protocol.CodeNotJoined},
		{"host mutes guest", http.MethodPost, "/api/sessions/s1/participants/p1/mute", host, nil, http.StatusOK, ""},
		{"locked self unmute", http.MethodPost, "/api/sessions/s1/mic", guest, protocol.MicPayload{Muted: false}, http.StatusForbidden, protocol.CodeMutedByModerator},
		{"guest kicks host", http.MethodPost, "/api/sessions/s1/participants/h1/kick", guest, nil, http.StatusForbidden, protocol.CodeInsufficientPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := r.call(t, hc, tt.method, tt.path, tt.tok, "", tt.body)
			if status != tt.status || body.Code != tt.code {
				t.Fatalf("got %d %q (%s), want %d %q", status, body.Code, body.Error, tt.status, tt.code)
			}
		})
	}
}

func TestRouter_IdempotencyKey(t *testing.T) {
	r := newRelay(t)
	tok := r.token(t, "h1", 0)
	c := httpclient.New(r.srv.URL, token.NewStatic(tok), nil)
	ctx := context.Background()

	snap, err := c.JoinSession(ctx, "s1", domain.ParticipantInfo{ID: "h1", Alias: "Host"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !snap.Participants["h1"].Role.Has(domain.RoleHost) {
		t.Fatal("first joiner is not host")
	}

	msgCtx := core.WithMessageID(ctx, "m-1")
	first, err := c.SendMessage(msgCtx, "s1", domain.ChatMessage{Content: "once"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.SendMessage(msgCtx, "s1", domain.ChatMessage{Content: "once"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Event == nil || second.Event == nil || first.Event.ID != second.Event.ID {
		t.Fatal("retransmission produced a second event")
	}
	got, err := c.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 || got.Messages[0].ID != "m-1" {
		t.Fatalf("messages %+v", got.Messages)
	}

	list, err := c.Sessions(ctx)
	if err != nil || len(list) != 1 || list[0].Participants != 1 {
		t.Fatalf("sessions %+v %v", list, err)
	}
	if _, err := c.CreateBreakoutRoom(ctx, "s1", domain.RoomConfig{ID: "r1", Name: "a"}); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := c.JoinBreakoutRoom(ctx, "s1", "r1", domain.ParticipantInfo{}); err != nil {
		t.Fatalf("join room: %v", err)
	}
	if _, err := c.LeaveBreakoutRoom(ctx, "s1", "r1"); err != nil {
		t.Fatalf("leave room: %v", err)
	}
	if _, err := c.SetHandRaised(ctx, "s1", true); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Snapshot(ctx, "s1"); !got.Participants["h1"].HandRaised {
		t.Fatal("hand not raised")
	}
	if err := c.LeaveSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Snapshot(ctx, "s1"); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("snapshot after last leave: %v", err)
	}
}

func clientOptions() session.Options {
	o := session.DefaultOptions()
	o.Connection = connection.Options{
		HeartbeatInterval: time.Hour,
		MaxAttempts:       1,
		Backoff:           connection.Backoff{Initial: 10 * time.Millisecond, Max: 10 * time.Millisecond, Factor: 1},
	}
	o.JoinGrace = time.Second
	o.JoinTimeout = 2 * time.Second
	return o
}

// TestRelay_DuplexAndFallbackClients runs a host over the websocket and a
// guest whose duplex endpoint is unreachable, so it works over HTTP only.
func TestRelay_DuplexAndFallbackClients(t *testing.T) {
	r := newRelay(t)
	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/api/ws/signal"
	ctx := context.Background()

	hostTokens := token.NewStatic(r.token(t, "h1", 0))
	host := session.New(session.Deps{
		Dialer:   wsclient.NewDialer(wsURL, wsclient.Options{}),
		Tokens:   hostTokens,
		Fallback: httpclient.New(r.srv.URL, hostTokens, nil),
	}, clientOptions())
	defer host.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()
	guestTokens := token.NewStatic(r.token(t, "p1", 0))
	guest := session.New(session.Deps{
		Dialer:   wsclient.NewDialer(deadURL, wsclient.Options{}),
		Tokens:   guestTokens,
		Fallback: httpclient.New(r.srv.URL, guestTokens, nil),
	}, clientOptions())
	defer guest.Close()

	if _, err := host.JoinSession(ctx, "s1", domain.ParticipantInfo{ID: "h1", Alias: "Host"}); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if !host.Connected() {
		t.Fatal("host not on the duplex channel")
	}
	snap, err := guest.JoinSession(ctx, "s1", domain.ParticipantInfo{ID: "p1", Alias: "Guest"})
	if err != nil {
		t.Fatalf("guest join: %v", err)
	}
	if guest.Connected() || len(snap.Participants) != 2 {
		t.Fatalf("guest snapshot %+v", snap)
	}

	id, err := guest.SendMessage(ctx, domain.ChatMessage{Content: "hello over http"})
	if err != nil {
		t.Fatalf("guest send: %v", err)
	}
	ok := clienttest.Eventually(3*time.Second, func() bool {
		s, ok := host.Snapshot()
		return ok && s.HasMessage(id) && len(s.Participants) == 2
	})
	if !ok {
		t.Fatal("host never saw the guest or its message")
	}

	if _, err := host.MuteParticipant(ctx, "p1"); err != nil {
		t.Fatalf("mute: %v", err)
	}
	ok = clienttest.Eventually(3*time.Second, func() bool {
		s, _ := r.orch.Snapshot("s1")
		return s.Participants["p1"].LockedMute
	})
	if !ok {
		t.Fatal("mute never reached the relay")
	}
	if err := guest.LeaveSession(ctx); err != nil {
		t.Fatal(err)
	}
}
