// Package connection owns the lifecycle of the single duplex channel of a
// session worker: connect, heartbeat, bounded reconnect and teardown.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/metrics"
	"github.com/dkeye/roomsync/internal/protocol"
)

type Options struct {
	HeartbeatInterval time.Duration
	// MaxAttempts is the dial attempt ceiling of one connect cycle.
	MaxAttempts   int
	Backoff       Backoff
	InboundBuffer int
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		MaxAttempts:       5,
		Backoff:           DefaultBackoff(),
		InboundBuffer:     256,
	}
}

// Manager keeps exactly one live channel, or none.
type Manager struct {
	dialer  core.Dialer
	tokens  core.TokenProvider
	opts    Options
	metrics *metrics.Client
	logger  zerolog.Logger

	flight singleflight.Group

	mu       sync.Mutex
	state    State
	ch       core.Channel
	attempts int
	gen      uint64
	life     context.Context
	stop     context.CancelFunc
	chCancel context.CancelFunc
	wg       sync.WaitGroup

	sent         atomic.Uint64
	received     atomic.Uint64
	lastActivity atomic.Int64

	inbound     chan protocol.Inbound
	transitions *core.Broadcaster[Transition]
}

func NewManager(dialer core.Dialer, tokens core.TokenProvider, opts Options, m *metrics.Client) *Manager {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = def.InboundBuffer
	}
	if m == nil {
		m = metrics.NewClient(nil)
	}
	return &Manager{
		dialer:      dialer,
		tokens:      tokens,
		opts:        opts,
		metrics:     m,
		logger:      log.With().Str("module", "client.connection").Logger(),
		inbound:     make(chan protocol.Inbound, opts.InboundBuffer),
		transitions: core.NewBroadcaster[Transition](),
	}
}

// Inbound delivers every received event tagged with its connection id.
// It has a single consumer: the session worker.
func (m *Manager) Inbound() <-chan protocol.Inbound { return m.inbound }

// Transitions subscribes to state changes.
func (m *Manager) Transitions(buf int) (<-chan Transition, func()) {
	return m.transitions.Subscribe(buf)
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{State: m.state, ReconnectAttempts: m.attempts}
	if m.ch != nil {
		st.ConnID = m.ch.ID()
	}
	m.mu.Unlock()
	st.EventsSent = m.sent.Load()
	st.EventsReceived = m.received.Load()
	if ts := m.lastActivity.Load(); ts != 0 {
		st.LastActivity = time.Unix(0, ts)
	}
	return st
}

// Connect blocks until the channel is up or the connect cycle fails.
// Concurrent callers share the in-flight attempt. Once MaxAttempts dials
// fail the cycle ends with core.ErrReconnectExhausted and nothing retries
// until Connect is called again. Authentication failures end the cycle
// immediately. ctx only bounds the wait: the cycle itself keeps running
// until it resolves or Disconnect is called.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	if m.life == nil || m.life.Err() != nil {
		m.life, m.stop = context.WithCancel(context.Background())
	}
	life, key := m.life, m.flightKey()
	m.mu.Unlock()

	res := m.flight.DoChan(key, func() (any, error) {
		return nil, m.dialLoop(life, Connecting)
	})
	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flightKey changes on every Disconnect so a fresh Connect never joins a
// cancelled cycle. Caller holds mu.
func (m *Manager) flightKey() string { return fmt.Sprintf("connect-%d", m.gen) }

func (m *Manager) dialLoop(life context.Context, mode State) error {
	if !m.enter(life, mode) {
		return fmt.Errorf("connect cancelled: %w", context.Canceled)
	}
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		if err := life.Err(); err != nil {
			return fmt.Errorf("connect cancelled: %w", err)
		}
		cred, err := m.tokens.Credential(life)
		if err != nil {
			if life.Err() != nil {
				return fmt.Errorf("connect cancelled: %w", life.Err())
			}
			return m.fail(life, fmt.Errorf("%w: %w", domain.ErrAuthentication, err))
		}
		if !cred.Valid(time.Now()) {
			return m.fail(life, fmt.Errorf("%w: %w", domain.ErrAuthentication, core.ErrTokenExpired))
		}

		ch, err := m.dialer.Dial(life, cred.Value)
		if err == nil {
			return m.attach(life, ch)
		}
		if errors.Is(err, domain.ErrAuthentication) {
			return m.fail(life, err)
		}
		if life.Err() != nil {
			return fmt.Errorf("connect cancelled: %w", life.Err())
		}
		lastErr = err
		m.mu.Lock()
		m.attempts++
		m.mu.Unlock()
		m.metrics.ReconnectAttempts.Inc()
		m.logger.Warn().Err(err).Int("attempt", attempt).Int("max", m.opts.MaxAttempts).Msg("dial failed")

		if attempt == m.opts.MaxAttempts {
			break
		}
		timer := time.NewTimer(m.opts.Backoff.Delay(attempt))
		select {
		case <-timer.C:
		case <-life.Done():
			timer.Stop()
			return fmt.Errorf("connect cancelled: %w", life.Err())
		}
	}
	return m.fail(life, fmt.Errorf("%w after %d attempts: %w", core.ErrReconnectExhausted, m.opts.MaxAttempts, lastErr))
}

// enter moves to Connecting/Reconnecting unless the cycle was cancelled.
func (m *Manager) enter(life context.Context, mode State) bool {
	m.mu.Lock()
	if life.Err() != nil || m.life != life {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	m.state = mode
	m.mu.Unlock()
	if prev != mode {
		m.transitions.Publish(Transition{From: prev, To: mode})
	}
	return true
}

// fail ends a connect cycle in Disconnected.
func (m *Manager) fail(life context.Context, err error) error {
	m.mu.Lock()
	if m.life != life {
		m.mu.Unlock()
		return err
	}
	prev := m.state
	m.state = Disconnected
	m.stop()
	m.gen++
	m.mu.Unlock()

	m.metrics.Connected.Set(0)
	m.logger.Error().Err(err).Msg("connect failed")
	if prev != Disconnected {
		m.transitions.Publish(Transition{From: prev, To: Disconnected, Err: err})
	}
	return err
}

func (m *Manager) attach(life context.Context, ch core.Channel) error {
	m.mu.Lock()
	if life.Err() != nil || m.life != life {
		m.mu.Unlock()
		_ = ch.Close()
		return fmt.Errorf("connect cancelled: %w", context.Canceled)
	}
	chCtx, cancel := context.WithCancel(life)
	prev := m.state
	m.ch = ch
	m.chCancel = cancel
	m.attempts = 0
	m.state = Connected
	m.wg.Add(2)
	go m.heartbeat(chCtx, ch)
	go m.pump(chCtx, ch)
	m.mu.Unlock()

	m.touch()
	m.metrics.Connected.Set(1)
	m.logger.Info().Str("conn_id", ch.ID()).Str("participant", string(ch.Participant())).Msg("connected")
	m.transitions.Publish(Transition{From: prev, To: Connected, ConnID: ch.ID()})
	return nil
}

func (m *Manager) heartbeat(ctx context.Context, ch core.Channel) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ch.Send(protocol.Envelope{Type: protocol.TypeHeartbeat}); err != nil {
				m.logger.Debug().Err(err).Str("conn_id", ch.ID()).Msg("heartbeat send failed")
				continue
			}
			m.sent.Add(1)
			m.metrics.Events.WithLabelValues("sent").Inc()
		}
	}
}

func (m *Manager) pump(ctx context.Context, ch core.Channel) {
	defer m.wg.Done()
	in := ch.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				m.lost(ch)
				return
			}
			m.received.Add(1)
			m.touch()
			m.metrics.Events.WithLabelValues("received").Inc()
			if env.Type == protocol.TypeHeartbeatAck {
				continue
			}
			select {
			case m.inbound <- protocol.Inbound{ConnID: ch.ID(), Envelope: env}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// lost handles a channel that ended without Disconnect and starts a
// bounded reconnect cycle.
func (m *Manager) lost(ch core.Channel) {
	m.mu.Lock()
	if m.ch != ch {
		m.mu.Unlock()
		return
	}
	m.chCancel()
	m.ch = nil
	life, key := m.life, m.flightKey()
	if life == nil || life.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.Connected.Set(0)
	m.logger.Warn().Err(ch.Err()).Str("conn_id", ch.ID()).Msg("channel lost, reconnecting")
	go func() {
		defer m.wg.Done()
		_, _, _ = m.flight.Do(key, func() (any, error) {
			return nil, m.dialLoop(life, Reconnecting)
		})
	}()
}

func (m *Manager) touch() { m.lastActivity.Store(time.Now().UnixNano()) }

// Send transmits env on the live channel without blocking.
func (m *Manager) Send(env protocol.Envelope) error {
	m.mu.Lock()
	ch, state := m.ch, m.state
	m.mu.Unlock()
	if ch == nil || state != Connected {
		return core.ErrNotConnected
	}
	if err := ch.Send(env); err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	m.sent.Add(1)
	m.metrics.Events.WithLabelValues("sent").Inc()
	return nil
}

// Disconnect stops the heartbeat, closes the channel and cancels any
// in-flight connect cycle. It returns after every background activity
// of the manager has exited.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.stop != nil {
		m.stop()
	}
	m.gen++
	ch := m.ch
	m.ch = nil
	if m.chCancel != nil {
		m.chCancel()
	}
	prev := m.state
	m.state = Disconnected
	m.attempts = 0
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	m.wg.Wait()
	m.metrics.Connected.Set(0)
	if prev != Disconnected {
		m.logger.Info().Str("from", prev.String()).Msg("disconnected")
		m.transitions.Publish(Transition{From: prev, To: Disconnected, Requested: true})
	}
}

// Close disconnects and releases subscribers.
func (m *Manager) Close() {
	m.Disconnect()
	m.transitions.Close()
}
