// Package session is the public entry point of the sync core: one Session
// is one session worker composing the connection manager, the delivery
// queue, the reconciler and the transports.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/client/connection"
	"github.com/dkeye/roomsync/internal/client/delivery"
	"github.com/dkeye/roomsync/internal/client/reconcile"
	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/metrics"
	"github.com/dkeye/roomsync/internal/protocol"
)

type Options struct {
	Connection connection.Options
	Delivery   delivery.Options
	Reconcile  reconcile.Options
	// JoinGrace is how long JoinSession waits for the duplex channel
	// before it falls back to the request/response transport.
	JoinGrace time.Duration
	// JoinTimeout bounds the wait for the session snapshot over duplex.
	JoinTimeout time.Duration
	// CacheTimeout bounds one message cache write.
	CacheTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Connection:   connection.DefaultOptions(),
		Delivery:     delivery.DefaultOptions(),
		Reconcile:    reconcile.DefaultOptions(),
		JoinGrace:    2 * time.Second,
		JoinTimeout:  10 * time.Second,
		CacheTimeout: time.Second,
	}
}

// Deps are the external collaborators of a Session. Fallback and Cache
// may be nil.
type Deps struct {
	Dialer   core.Dialer
	Tokens   core.TokenProvider
	Fallback core.SessionTransport
	Cache    core.MessageCache
	Metrics  *metrics.Client
}

type Session struct {
	opts   Options
	logger zerolog.Logger

	conn     *connection.Manager
	queue    *delivery.Queue
	rec      *reconcile.Reconciler
	duplex   *duplexTransport
	fallback core.SessionTransport
	cache    core.MessageCache

	mu     sync.Mutex
	joined domain.SessionID
	self   domain.ParticipantInfo
	// rejoin asks the worker to re-issue join_session on the next
	// transition to connected.
	rejoin      bool
	lastCached  string
	transitions <-chan connection.Transition
	updates     <-chan reconcile.Update
	unsubscribe []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

// New builds a session worker and starts its dispatch loop. The caller
// owns it and must Close it.
func New(deps Deps, opts Options) *Session {
	def := DefaultOptions()
	if opts.JoinGrace <= 0 {
		opts.JoinGrace = def.JoinGrace
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = def.JoinTimeout
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = def.CacheTimeout
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewClient(nil)
	}
	conn := connection.NewManager(deps.Dialer, deps.Tokens, opts.Connection, m)
	queue := delivery.NewQueue(conn, opts.Delivery, m)
	rec := reconcile.New(opts.Reconcile, m)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:     opts,
		logger:   log.With().Str("module", "client.session").Logger(),
		conn:     conn,
		queue:    queue,
		rec:      rec,
		duplex:   &duplexTransport{queue: queue, rec: rec},
		fallback: deps.Fallback,
		cache:    deps.Cache,
		ctx:      ctx,
		cancel:   cancel,
	}
	tr, stopTr := conn.Transitions(16)
	up, stopUp := rec.Subscribe(64)
	s.transitions, s.updates = tr, up
	s.unsubscribe = []func(){stopTr, stopUp}

	s.wg.Add(1)
	go s.run()
	return s
}

// run is the single consumer of inbound events: acks go to the queue,
// everything else to the reconciler.
func (s *Session) run() {
	defer s.wg.Done()
	inbound := s.conn.Inbound()
	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-inbound:
			s.dispatch(in)
		case tr, ok := <-s.transitions:
			if !ok {
				return
			}
			s.onTransition(tr)
		case u, ok := <-s.updates:
			if !ok {
				return
			}
			s.onUpdate(u)
		}
	}
}

func (s *Session) dispatch(in protocol.Inbound) {
	switch in.Type {
	case protocol.TypeAck:
		var ack protocol.AckPayload
		if err := in.Decode(&ack); err != nil {
			s.logger.Warn().Err(err).Str("message_id", in.ID).Msg("bad ack")
			return
		}
		s.queue.Ack(in.ID, ack)
	case protocol.TypeAuthOK, protocol.TypeAuthFailed:
		s.logger.Debug().Str("type", in.Type).Msg("late handshake frame ignored")
	default:
		s.rec.Apply(in)
	}
}

func (s *Session) onTransition(tr connection.Transition) {
	s.logger.Info().Str("from", tr.From.String()).Str("to", tr.To.String()).Str("conn_id", tr.ConnID).Msg("connection state")
	switch tr.To {
	case connection.Connected:
		s.queue.Start(s.ctx)
		s.mu.Lock()
		id, info := s.joined, s.self
		rejoin := id != "" && (s.rejoin || tr.From == connection.Reconnecting)
		s.rejoin = false
		s.mu.Unlock()
		if rejoin {
			s.logger.Info().Str("session", string(id)).Msg("rejoining after reconnect")
			if _, err := s.queue.Enqueue(id, protocol.TypeJoinSession, protocol.JoinSessionPayload{Participant: info}); err != nil {
				s.logger.Error().Err(err).Msg("rejoin enqueue failed")
			}
		}
		s.queue.Flush()
	case connection.Reconnecting:
		s.rec.MarkStale()
	case connection.Disconnected:
		s.queue.Stop()
		// Only a lost channel whose reconnect cycle gave up discards the
		// session; a failed first connect leaves a fallback join alone.
		if tr.Requested || tr.From != connection.Reconnecting {
			return
		}
		s.mu.Lock()
		id := s.joined
		s.joined = ""
		s.rejoin = false
		s.mu.Unlock()
		if id != "" {
			n := s.queue.DropSession(id)
			s.logger.Warn().Err(tr.Err).Str("session", string(id)).Int("dropped", n).Msg("session lost")
		}
		s.rec.Reset("disconnected")
	}
}

func (s *Session) onUpdate(u reconcile.Update) {
	if u.Ended {
		if u.Reason != "kicked" {
			return
		}
		s.mu.Lock()
		if s.joined == u.Snapshot.SessionID {
			s.joined = ""
			s.rejoin = false
		}
		s.mu.Unlock()
		s.queue.DropSession(u.Snapshot.SessionID)
		return
	}
	s.storeMessages(u.Snapshot)
}

// storeMessages writes messages newer than the last cached one.
func (s *Session) storeMessages(snap domain.SessionSnapshot) {
	if s.cache == nil || len(snap.Messages) == 0 {
		return
	}
	msgs := snap.Messages
	last := msgs[len(msgs)-1].ID
	if last == s.lastCached {
		return
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == s.lastCached {
			msgs = msgs[i+1:]
			break
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.CacheTimeout)
	defer cancel()
	if err := s.cache.Store(ctx, snap.SessionID, msgs); err != nil {
		s.logger.Warn().Err(err).Str("session", string(snap.SessionID)).Msg("message cache write failed")
		return
	}
	s.lastCached = last
}

// Connect opens the duplex channel. It is idempotent.
func (s *Session) Connect(ctx context.Context) error { return s.conn.Connect(ctx) }

// Disconnect tears the channel down and invalidates the snapshot.
// Messages still queued are kept for the next Connect.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
	s.queue.Stop()
	s.mu.Lock()
	s.joined = ""
	s.rejoin = false
	s.mu.Unlock()
	s.rec.Reset("disconnect")
}

// Close disconnects and stops the worker.
func (s *Session) Close() error {
	var err error
	s.closed.Do(func() {
		s.Disconnect()
		s.cancel()
		for _, stop := range s.unsubscribe {
			stop()
		}
		s.wg.Wait()
		s.queue.Close()
		s.conn.Close()
		s.rec.Close()
		if s.cache != nil {
			err = s.cache.Close()
		}
	})
	return err
}

func (s *Session) Connected() bool                   { return s.conn.Connected() }
func (s *Session) ConnectionStats() connection.Stats { return s.conn.Stats() }

// Snapshot returns a point-in-time copy of the session state.
func (s *Session) Snapshot() (domain.SessionSnapshot, bool) { return s.rec.Snapshot() }

// Subscribe streams snapshot updates.
func (s *Session) Subscribe(buf int) (<-chan reconcile.Update, func()) { return s.rec.Subscribe(buf) }

// ConnectionEvents streams connection state transitions.
func (s *Session) ConnectionEvents(buf int) (<-chan connection.Transition, func()) {
	return s.conn.Transitions(buf)
}

// DeliveryResults streams delivered and permanently failed messages.
func (s *Session) DeliveryResults(buf int) (<-chan delivery.Result, func()) {
	return s.queue.Results(buf)
}

// Pending returns the outbound messages not yet acknowledged.
func (s *Session) Pending() []delivery.Message { return s.queue.Outstanding() }

// History returns up to limit recent messages of the current session,
// from the local cache when one is configured.
func (s *Session) History(ctx context.Context, limit int) ([]domain.ChatMessage, error) {
	snap, ok := s.rec.Snapshot()
	if !ok {
		return nil, domain.ErrNotJoined
	}
	if s.cache != nil {
		msgs, err := s.cache.Recent(ctx, snap.SessionID, limit)
		if err == nil {
			return msgs, nil
		}
		s.logger.Warn().Err(err).Msg("message cache read failed")
	}
	msgs := snap.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// current returns the joined session and the local participant entry.
func (s *Session) current() (domain.SessionID, domain.Participant, error) {
	s.mu.Lock()
	id := s.joined
	s.mu.Unlock()
	if id == "" {
		return "", domain.Participant{}, domain.ErrNotJoined
	}
	self, ok := s.rec.Self()
	if !ok {
		return "", domain.Participant{}, domain.ErrNotJoined
	}
	return id, self, nil
}

type operation func(ctx context.Context, t core.SessionTransport) (core.Receipt, error)

// route runs op on the viable transport. Connected: the duplex queue.
// Otherwise the fallback; a fallback transport failure degrades to the
// queue under the same message id so the intent is not lost.
func (s *Session) route(ctx context.Context, id string, op operation) (string, error) {
	ctx = core.WithMessageID(ctx, id)
	if s.conn.Connected() || s.fallback == nil {
		r, err := op(ctx, s.duplex)
		return r.MessageID, err
	}
	r, err := op(ctx, s.fallback)
	if err == nil {
		if r.Event != nil {
			s.rec.Apply(protocol.Inbound{Envelope: *r.Event})
		}
		return id, nil
	}
	if !errors.Is(err, core.ErrTransport) {
		return "", err
	}
	s.logger.Warn().Err(err).Str("message_id", id).Msg("fallback unavailable, queued for duplex")
	r, err = op(ctx, s.duplex)
	return r.MessageID, err
}

// JoinSession joins id. It waits JoinGrace for the duplex channel and
// falls back to the request/response transport otherwise.
func (s *Session) JoinSession(ctx context.Context, id domain.SessionID, info domain.ParticipantInfo) (domain.SessionSnapshot, error) {
	if err := info.Validate(); err != nil {
		return domain.SessionSnapshot{}, err
	}
	s.mu.Lock()
	if s.joined != "" && s.joined != id {
		held := s.joined
		s.mu.Unlock()
		return domain.SessionSnapshot{}, fmt.Errorf("%w: holding %s", domain.ErrAlreadyJoined, held)
	}
	s.mu.Unlock()
	s.rec.SetSelf(info.ID)

	graceCtx, cancel := context.WithTimeout(ctx, s.opts.JoinGrace)
	connErr := s.conn.Connect(graceCtx)
	cancel()
	if errors.Is(connErr, domain.ErrAuthentication) {
		return domain.SessionSnapshot{}, connErr
	}

	var (
		snap domain.SessionSnapshot
		err  error
		via  string
	)
	if connErr == nil {
		via = s.duplex.Name()
		joinCtx, cancel := context.WithTimeout(ctx, s.opts.JoinTimeout)
		snap, err = s.duplex.JoinSession(core.WithMessageID(joinCtx, uuid.NewString()), id, info)
		cancel()
	}
	if connErr != nil || (err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		if s.fallback == nil {
			if err == nil {
				err = connErr
			}
			return domain.SessionSnapshot{}, fmt.Errorf("%w: join %s: %w", core.ErrTransport, id, err)
		}
		s.logger.Info().AnErr("connect", connErr).Str("session", string(id)).Msg("joining over fallback")
		via = s.fallback.Name()
		snap, err = s.fallback.JoinSession(core.WithMessageID(ctx, uuid.NewString()), id, info)
		if err == nil {
			s.rec.Replace(snap, "")
		}
	}
	if err != nil {
		return domain.SessionSnapshot{}, err
	}

	s.mu.Lock()
	s.joined = id
	s.self = info
	s.rejoin = via != s.duplex.Name()
	// The channel may have come up while the fallback join was running.
	rejoinNow := s.rejoin && s.conn.Connected()
	if rejoinNow {
		s.rejoin = false
	}
	s.mu.Unlock()
	if rejoinNow {
		if _, err := s.queue.Enqueue(id, protocol.TypeJoinSession, protocol.JoinSessionPayload{Participant: info}); err != nil {
			s.logger.Error().Err(err).Msg("rejoin enqueue failed")
		}
	}
	s.logger.Info().Str("session", string(id)).Str("participant", string(info.ID)).Str("via", via).Uint64("version", snap.Version).Msg("joined session")
	return snap, nil
}

// LeaveSession always clears local state; a failed remote notification
// is only logged.
func (s *Session) LeaveSession(ctx context.Context) error {
	s.mu.Lock()
	id := s.joined
	s.joined = ""
	s.rejoin = false
	s.mu.Unlock()
	if id == "" {
		return domain.ErrNotJoined
	}
	dropped := s.queue.DropSession(id)
	_, err := s.route(ctx, uuid.NewString(), func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return core.Receipt{}, t.LeaveSession(ctx, id)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session", string(id)).Msg("remote leave failed")
	}
	s.rec.Reset("left")
	s.logger.Info().Str("session", string(id)).Int("dropped", dropped).Msg("left session")
	return nil
}

// SendMessage validates msg and hands it to the transport. ID, From and
// SentAt are assigned here; the returned id is the message id.
func (s *Session) SendMessage(ctx context.Context, msg domain.ChatMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	id, self, err := s.current()
	if err != nil {
		return "", err
	}
	if msg.Type == "" {
		msg.Type = domain.MessageText
	}
	msg.ID = uuid.NewString()
	msg.From = self.ID
	msg.SentAt = time.Now().UTC()
	return s.route(ctx, msg.ID, func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return t.SendMessage(ctx, id, msg)
	})
}

// CreateBreakoutRoom requires a host or moderator. An empty cfg.ID gets a
// generated one, which is returned.
func (s *Session) CreateBreakoutRoom(ctx context.Context, cfg domain.RoomConfig) (domain.RoomID, error) {
	if cfg.ID == "" {
		cfg.ID = domain.RoomID(uuid.NewString())
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	id, self, err := s.current()
	if err != nil {
		return "", err
	}
	if !self.Role.Privileged() {
		return "", domain.ErrInsufficientPermissions
	}
	if snap, ok := s.rec.Snapshot(); ok {
		if _, exists := snap.Rooms[cfg.ID]; exists {
			return "", fmt.Errorf("%w: room %s exists", domain.ErrInvalidRoomConfig, cfg.ID)
		}
	}
	_, err = s.route(ctx, uuid.NewString(), func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return t.CreateBreakoutRoom(ctx, id, cfg)
	})
	if err != nil {
		return "", err
	}
	return cfg.ID, nil
}

// JoinBreakoutRoom moves info (or the local participant when info.ID is
// empty) into room. Participants without privileges may only move
// themselves into an existing open room.
func (s *Session) JoinBreakoutRoom(ctx context.Context, room domain.RoomID, info domain.ParticipantInfo) (string, error) {
	id, self, err := s.current()
	if err != nil {
		return "", err
	}
	if info.ID == "" {
		info = domain.ParticipantInfo{ID: self.ID, Alias: self.Alias}
	}
	snap, _ := s.rec.Snapshot()
	r, exists := snap.Rooms[room]
	switch {
	case self.Role.Privileged():
		if !exists {
			return "", domain.ErrRoomNotFound
		}
		if _, ok := snap.Participants[info.ID]; !ok {
			return "", domain.ErrParticipantNotFound
		}
	case info.ID != self.ID, !exists, !r.Open:
		return "", domain.ErrInsufficientPermissions
	}
	if !r.Has(info.ID) && r.Full() {
		return "", domain.ErrRoomFull
	}
	return s.route(ctx, uuid.NewString(), func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return t.JoinBreakoutRoom(ctx, id, room, info)
	})
}

func (s *Session) LeaveBreakoutRoom(ctx context.Context, room domain.RoomID) (string, error) {
	id, self, err := s.current()
	if err != nil {
		return "", err
	}
	snap, _ := s.rec.Snapshot()
	r, ok := snap.Rooms[room]
	if !ok {
		return "", domain.ErrRoomNotFound
	}
	if !r.Has(self.ID) {
		return "", domain.ErrParticipantNotFound
	}
	return s.route(ctx, uuid.NewString(), func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return t.LeaveBreakoutRoom(ctx, id, room)
	})
}

// moderate checks that the local participant may act on target.
func (s *Session) moderate(target domain.ParticipantID, kick bool) (domain.SessionID, error) {
	id, self, err := s.current()
	if err != nil {
		return "", err
	}
	if !self.Role.Privileged() {
		return "", domain.ErrInsufficientPermissions
	}
	snap, _ := s.rec.Snapshot()
	p, ok := snap.Participants[target]
	if !ok {
		return "", domain.ErrParticipantNotFound
	}
	if kick && p.Role.Has(domain.RoleHost) && !self.Role.Has(domain.RoleHost) {
		return "", domain.ErrInsufficientPermissions
	}
	return id, nil
}

func (s *Session) MuteParticipant(ctx context.Context, target domain.ParticipantID) (string, error) {
	id, err := s.moderate(target, false)
	if err != nil {
		return "", err
	}
	return s.route(ctx, uuid.NewString(), func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return t.MuteParticipant(ctx, id, target)
	})
}

func (s *Session) UnmuteParticipant(ctx context.Context, target domain.ParticipantID) (string, error) {
	id, err := s.moderate(target, false)
	if err != nil {
		return "", err
	}
	return s.route(ctx, uuid.NewString(), func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return t.UnmuteParticipant(ctx, id, target)
	})
}

func (s *Session) KickParticipant(ctx context.Context, target domain.ParticipantID) (string, error) {
	id, err := s.moderate(target, true)
	if err != nil {
		return "", err
	}
	return s.route(ctx, uuid.NewString(), func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return t.KickParticipant(ctx, id, target)
	})
}

func (s *Session) MuteSelf(ctx context.Context) (string, error) { return s.setMic(ctx, true) }

// UnmuteSelf fails with domain.ErrMutedByModerator while a privileged
// actor holds the mute.
func (s *Session) UnmuteSelf(ctx context.Context) (string, error) { return s.setMic(ctx, false) }

func (s *Session) setMic(ctx context.Context, muted bool) (string, error) {
	id, self, err := s.current()
	if err != nil {
		return "", err
	}
	if !muted && !self.CanSelfUnmute() {
		return "", domain.ErrMutedByModerator
	}
	return s.route(ctx, uuid.NewString(), func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return t.SetMicMuted(ctx, id, muted)
	})
}

func (s *Session) RaiseHand(ctx context.Context) (string, error) { return s.setHand(ctx, true) }

func (s *Session) LowerHand(ctx context.Context) (string, error) { return s.setHand(ctx, false) }

func (s *Session) setHand(ctx context.Context, raised bool) (string, error) {
	id, _, err := s.current()
	if err != nil {
		return "", err
	}
	return s.route(ctx, uuid.NewString(), func(ctx context.Context, t core.SessionTransport) (core.Receipt, error) {
		return t.SetHandRaised(ctx, id, raised)
	})
}
