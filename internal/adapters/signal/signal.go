// Package signal is the relay side of the duplex channel: websocket
// upgrade, auth handshake and command dispatch.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/adapters/token"
	"github.com/dkeye/roomsync/internal/app/orch"
	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/protocol"
)

// Verifier checks a bearer token.
type Verifier interface {
	Verify(raw string) (token.Identity, error)
}

type Options struct {
	ReadLimit        int64
	PingPeriod       time.Duration
	SendBuffer       int
	HandshakeTimeout time.Duration
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Verifier Verifier
	opts     Options
}

func NewSignalWSController(o *orch.Orchestrator, v Verifier, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &SignalWSController{Orch: o, Verifier: v, opts: opts}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the handshake: the first
// frame must be auth with a valid token, answered by auth_ok carrying the
// connection id, or auth_failed before the socket is closed.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	actor, err := ctl.handshake(ws)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("remote", c.ClientIP()).Msg("handshake failed")
		_ = ws.Close()
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.Bind(actor.Conn, core.NewMemberSession(actor.Participant, conn), cancel)

	ok, _ := protocol.New(protocol.TypeAuthOK, "", "", protocol.AuthOKPayload{ConnID: string(actor.Conn), Participant: actor.Participant})
	ctl.sendEnvelope(conn, ok)
	log.Info().Str("module", "signal").Str("conn_id", string(actor.Conn)).Str("participant", string(actor.Participant)).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, actor, conn)
}

var errBadHandshake = errors.New("expected auth frame")

func (ctl *SignalWSController) handshake(ws *websocket.Conn) (orch.Actor, error) {
	deadline := time.Now().Add(ctl.opts.HandshakeTimeout)
	_ = ws.SetReadDeadline(deadline)
	_, data, err := ws.ReadMessage()
	if err != nil {
		return orch.Actor{}, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	fail := func(reason string, cause error) (orch.Actor, error) {
		env, _ := protocol.New(protocol.TypeAuthFailed, "", "", protocol.AuthFailedPayload{Reason: reason})
		_ = ws.SetWriteDeadline(deadline)
		_ = ws.WriteJSON(env)
		return orch.Actor{}, cause
	}
	env, err := protocol.Unmarshal(data)
	if err != nil || env.Type != protocol.TypeAuth {
		return fail("expected auth", errBadHandshake)
	}
	var p protocol.AuthPayload
	if err := env.Decode(&p); err != nil {
		return fail("bad auth payload", err)
	}
	id, err := ctl.Verifier.Verify(p.Token)
	if err != nil {
		return fail("invalid token", err)
	}
	return orch.Actor{
		Participant: id.Participant,
		Alias:       id.Alias,
		Role:        id.Role,
		Conn:        core.ConnID(uuid.NewString()),
	}, nil
}
