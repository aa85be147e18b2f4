// Package httpclient is the request/response fallback transport. Every
// call is a single attempt; retrying is up to the caller.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

// IdempotencyHeader carries the client message id so the server can
// recognise a retransmission.
const IdempotencyHeader = "Idempotency-Key"

// Response is the body of every fallback endpoint.
type Response struct {
	Success bool               `json:"success"`
	Data    json.RawMessage    `json:"data,omitempty"`
	Error   string             `json:"error,omitempty"`
	Code    protocol.ErrorCode `json:"code,omitempty"`
}

type Client struct {
	base   string
	http   *http.Client
	tokens core.TokenProvider
	logger zerolog.Logger
}

var _ core.SessionTransport = (*Client)(nil)

// New returns a client for the API rooted at base (e.g. http://host:8080).
// A nil hc gets a client with a 10s timeout.
func New(base string, tokens core.TokenProvider, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		http:   hc,
		tokens: tokens,
		logger: log.With().Str("module", "adapters.httpclient").Logger(),
	}
}

func (c *Client) Name() string { return "http" }

func sessionPath(id domain.SessionID, parts ...string) string {
	p := "/api/sessions/" + url.PathEscape(string(id))
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// do performs one call and decodes data into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	cred, err := c.tokens.Credential(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	if !cred.Valid(time.Now()) {
		return fmt.Errorf("%w: %w", domain.ErrAuthentication, core.ErrTokenExpired)
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	mid := core.MessageIDFrom(ctx)
	if mid == "" {
		mid = uuid.NewString()
	}
	req.Header.Set(IdempotencyHeader, mid)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", core.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	var r Response
	decErr := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&r)
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Str("message_id", mid).Msg("fallback call")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrAuthentication, r.Error)
	case resp.StatusCode >= 500, decErr != nil && resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s %s: status %d %s", core.ErrTransport, method, path, resp.StatusCode, r.Error)
	case decErr != nil:
		return fmt.Errorf("%w: %s %s: bad response: %w", core.ErrTransport, method, path, decErr)
	case !r.Success:
		if derr := protocol.ErrorOf(r.Code); derr != nil {
			return fmt.Errorf("%w: %s", derr, r.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, r.Error)
	}
	if out != nil && len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// event performs a call whose data is the resulting server event.
func (c *Client) event(ctx context.Context, path string, body any) (core.Receipt, error) {
	var env protocol.Envelope
	if err := c.do(ctx, http.MethodPost, path, body, &env); err != nil {
		return core.Receipt{}, err
	}
	r := core.Receipt{MessageID: core.MessageIDFrom(ctx)}
	if env.Type != "" {
		r.Event = &env
	}
	return r, nil
}

func (c *Client) JoinSession(ctx context.Context, id domain.SessionID, info domain.ParticipantInfo) (domain.SessionSnapshot, error) {
	var snap domain.SessionSnapshot
	err := c.do(ctx, http.MethodPost, sessionPath(id, "join"), protocol.JoinSessionPayload{Participant: info}, &snap)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	if snap.SessionID == "" {
		return domain.SessionSnapshot{}, errors.New("join: response without snapshot")
	}
	return snap, nil
}

func (c *Client) LeaveSession(ctx context.Context, id domain.SessionID) error {
	return c.do(ctx, http.MethodPost, sessionPath(id, "leave"), nil, nil)
}

// Snapshot fetches the current server view of a session.
func (c *Client) Snapshot(ctx context.Context, id domain.SessionID) (domain.SessionSnapshot, error) {
	var snap domain.SessionSnapshot
	err := c.do(ctx, http.MethodGet, sessionPath(id), nil, &snap)
	return snap, err
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) ([]core.SessionInfo, error) {
	var out []core.SessionInfo
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, id domain.SessionID, msg domain.ChatMessage) (core.Receipt, error) {
	return c.event(ctx, sessionPath(id, "messages"), protocol.SendMessagePayload{Message: msg})
}

func (c *Client) CreateBreakoutRoom(ctx context.Context, id domain.SessionID, cfg domain.RoomConfig) (core.Receipt, error) {
	return c.event(ctx, sessionPath(id, "rooms"), protocol.CreateRoomPayload{Config: cfg})
}

func (c *Client) JoinBreakoutRoom(ctx context.Context, id domain.SessionID, room domain.RoomID, info domain.ParticipantInfo) (core.Receipt, error) {
	return c.event(ctx, sessionPath(id, "rooms", string(room), "join"), protocol.RoomMemberPayload{Room: room, Participant: info})
}

func (c *Client) LeaveBreakoutRoom(ctx context.Context, id domain.SessionID, room domain.RoomID) (core.Receipt, error) {
	return c.event(ctx, sessionPath(id, "rooms", string(room), "leave"), nil)
}

func (c *Client) MuteParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (core.Receipt, error) {
	return c.event(ctx, sessionPath(id, "participants", string(target), "mute"), nil)
}

func (c *Client) UnmuteParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (core.Receipt, error) {
	return c.event(ctx, sessionPath(id, "participants", string(target), "unmute"), nil)
}

func (c *Client) KickParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (core.Receipt, error) {
	return c.event(ctx, sessionPath(id, "participants", string(target), "kick"), nil)
}

func (c *Client) SetHandRaised(ctx context.Context, id domain.SessionID, raised bool) (core.Receipt, error) {
	return c.event(ctx, sessionPath(id, "hand"), protocol.HandPayload{Raised: raised})
}

func (c *Client) SetMicMuted(ctx context.Context, id domain.SessionID, muted bool) (core.Receipt, error) {
	return c.event(ctx, sessionPath(id, "mic"), protocol.MicPayload{Muted: muted})
}
