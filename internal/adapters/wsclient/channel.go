// Package wsclient is the websocket implementation of the client duplex
// channel.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	InboundBuffer    int
	ReadLimit        int64
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendBuffer:       64,
		InboundBuffer:    64,
		ReadLimit:        1 << 20,
	}
}

// Dialer connects to the relay websocket endpoint and runs the auth
// handshake: the first frame is auth, the server answers auth_ok or
// auth_failed.
type Dialer struct {
	URL  string
	opts Options
	ws   *websocket.Dialer
}

var _ core.Dialer = (*Dialer)(nil)

func NewDialer(url string, opts Options) *Dialer {
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = def.InboundBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	return &Dialer{
		URL:  url,
		opts: opts,
		ws:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

func (d *Dialer) Dial(ctx context.Context, token string) (core.Channel, error) {
	conn, resp, err := d.ws.DialContext(ctx, d.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: upgrade rejected", domain.ErrAuthentication)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", core.ErrTransport, d.URL, err)
	}
	conn.SetReadLimit(d.opts.ReadLimit)

	ok, err := d.handshake(conn, token)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	ch := newChannel(conn, ok, d.opts)
	log.Debug().Str("module", "adapters.wsclient").Str("conn_id", ok.ConnID).Str("participant", string(ok.Participant)).Msg("handshake complete")
	return ch, nil
}

func (d *Dialer) handshake(conn *websocket.Conn, token string) (protocol.AuthOKPayload, error) {
	var ok protocol.AuthOKPayload
	env, err := protocol.New(protocol.TypeAuth, "", "", protocol.AuthPayload{Token: token})
	if err != nil {
		return ok, err
	}
	deadline := time.Now().Add(d.opts.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(env); err != nil {
		return ok, fmt.Errorf("%w: send auth: %w", core.ErrTransport, err)
	}
	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return ok, fmt.Errorf("%w: read auth reply: %w", core.ErrTransport, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	reply, err := protocol.Unmarshal(data)
	if err != nil {
		return ok, fmt.Errorf("%w: auth reply: %w", core.ErrTransport, err)
	}
	switch reply.Type {
	case protocol.TypeAuthOK:
		if err := reply.Decode(&ok); err != nil {
			return ok, fmt.Errorf("%w: %w", core.ErrTransport, err)
		}
		return ok, nil
	case protocol.TypeAuthFailed:
		var p protocol.AuthFailedPayload
		_ = reply.Decode(&p)
		return ok, fmt.Errorf("%w: %s", domain.ErrAuthentication, p.Reason)
	default:
		return ok, fmt.Errorf("%w: unexpected %q before auth", core.ErrTransport, reply.Type)
	}
}

// channel runs one read pump and one write pump over a websocket.
type channel struct {
	conn        *websocket.Conn
	id          string
	participant domain.ParticipantID
	opts        Options
	logger      zerolog.Logger

	send    chan []byte
	inbound chan protocol.Envelope
	done    chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newChannel(conn *websocket.Conn, ok protocol.AuthOKPayload, opts Options) *channel {
	c := &channel{
		conn:        conn,
		id:          ok.ConnID,
		participant: ok.Participant,
		opts:        opts,
		logger:      log.With().Str("module", "adapters.wsclient").Str("conn_id", ok.ConnID).Logger(),
		send:        make(chan []byte, opts.SendBuffer),
		inbound:     make(chan protocol.Envelope, opts.InboundBuffer),
		done:        make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *channel) ID() string                        { return c.id }
func (c *channel) Participant() domain.ParticipantID { return c.participant }
func (c *channel) Inbound() <-chan protocol.Envelope { return c.inbound }
func (c *channel) Done() <-chan struct{}             { return c.done }

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues env without blocking; a full buffer is backpressure.
func (c *channel) Send(env protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return core.ErrChannelClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return core.ErrChannelClosed
	default:
		return core.ErrBackpressure
	}
}

func (c *channel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *channel) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if err == nil {
			err = core.ErrChannelClosed
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

func (c *channel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.shutdown(fmt.Errorf("%w: %w", core.ErrTransport, err))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.shutdown(fmt.Errorf("%w: %w", core.ErrTransport, err))
				return
			}
		}
	}
}

func (c *channel) readPump() {
	defer close(c.inbound)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				c.shutdown(nil)
			} else {
				c.shutdown(fmt.Errorf("%w: %w", core.ErrTransport, err))
			}
			return
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame")
			continue
		}
		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}
