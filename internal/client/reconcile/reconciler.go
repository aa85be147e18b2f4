// Package reconcile folds inbound events into the local session snapshot.
// It is the only writer of the snapshot; everything else reads copies.
package reconcile

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/metrics"
	"github.com/dkeye/roomsync/internal/protocol"
)

type Options struct {
	// MessageLogLimit bounds the message log kept in the snapshot.
	MessageLogLimit int
	// SeenEvents is the number of server event ids remembered for
	// re-delivery detection.
	SeenEvents int
}

func DefaultOptions() Options {
	return Options{MessageLogLimit: 500, SeenEvents: 2048}
}

// Update is published to observers after every accepted mutation.
type Update struct {
	Snapshot domain.SessionSnapshot
	// Full is set when Snapshot replaced the previous one wholesale.
	Full bool
	// Ended is set when the snapshot was discarded (leave, kick, hard
	// disconnect); only Snapshot.SessionID is then filled.
	Ended  bool
	Reason string
}

type Reconciler struct {
	opts    Options
	metrics *metrics.Client
	logger  zerolog.Logger

	mu    sync.Mutex
	self  domain.ParticipantID
	snap  *domain.SessionSnapshot
	index *DedupIndex
	seen  *lru.Cache[string, struct{}]

	observers *core.Broadcaster[Update]
}

func New(opts Options, m *metrics.Client) *Reconciler {
	def := DefaultOptions()
	if opts.MessageLogLimit <= 0 {
		opts.MessageLogLimit = def.MessageLogLimit
	}
	if opts.SeenEvents <= 0 {
		opts.SeenEvents = def.SeenEvents
	}
	if m == nil {
		m = metrics.NewClient(nil)
	}
	seen, _ := lru.New[string, struct{}](opts.SeenEvents)
	return &Reconciler{
		opts:      opts,
		metrics:   m,
		logger:    log.With().Str("module", "client.reconcile").Logger(),
		index:     NewDedupIndex(),
		seen:      seen,
		observers: core.NewBroadcaster[Update](),
	}
}

// Subscribe registers an observer of snapshot updates.
func (r *Reconciler) Subscribe(buf int) (<-chan Update, func()) { return r.observers.Subscribe(buf) }

// SetSelf records the local participant identity.
func (r *Reconciler) SetSelf(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = id
}

// Snapshot returns a copy of the current snapshot.
func (r *Reconciler) Snapshot() (domain.SessionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil {
		return domain.SessionSnapshot{}, false
	}
	return r.snap.Clone(), true
}

// Self returns the local participant entry of the current snapshot.
func (r *Reconciler) Self() (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil {
		return domain.Participant{}, false
	}
	return r.snap.Participant(r.self)
}

// Replace installs a full snapshot received on conn (empty for a
// request/response result). A snapshot older than the current one of
// the same session is discarded unless the current one is stale.
func (r *Reconciler) Replace(snap domain.SessionSnapshot, conn string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaceLocked(snap, conn)
}

func (r *Reconciler) replaceLocked(snap domain.SessionSnapshot, conn string) bool {
	cur := r.snap
	if cur != nil && cur.SessionID == snap.SessionID && !cur.Stale && snap.Version < cur.Version {
		r.drop("stale_snapshot", protocol.TypeSessionState, conn)
		return false
	}
	next := snap.Clone()
	next.Stale = false
	if next.Rooms == nil {
		next.Rooms = make(map[domain.RoomID]*domain.BreakoutRoom)
	}
	for id, room := range next.Rooms {
		if room.Members == nil {
			next.Rooms[id].Members = make(map[domain.ParticipantID]struct{})
		}
	}
	r.snap = &next
	r.index.Rebuild(next.Participants, conn)
	r.logger.Info().Str("session", string(next.SessionID)).Uint64("version", next.Version).Int("participants", len(next.Participants)).Msg("snapshot replaced")
	r.metrics.SnapshotVersion.Set(float64(next.Version))
	r.observers.Publish(Update{Snapshot: next.Clone(), Full: true})
	return true
}

// Apply folds one inbound event into the snapshot and reports whether it
// was accepted.
func (r *Reconciler) Apply(in protocol.Inbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.ID != "" && r.seen.Contains(in.ID) {
		r.drop("event_id", in.Type, in.ConnID)
		return false
	}

	if in.Type == protocol.TypeSessionState {
		var p protocol.SessionStatePayload
		if err := in.Decode(&p); err != nil {
			r.logger.Warn().Err(err).Msg("bad session state")
			return false
		}
		if in.Version != 0 {
			p.Snapshot.Version = in.Version
		}
		if !r.replaceLocked(p.Snapshot, in.ConnID) {
			return false
		}
		r.remember(in.ID)
		return true
	}

	if r.snap == nil {
		r.logger.Debug().Str("type", in.Type).Msg("event without session dropped")
		return false
	}
	if in.Session != "" && in.Session != r.snap.SessionID {
		r.drop("foreign_session", in.Type, in.ConnID)
		return false
	}

	ok, err := r.mutate(in)
	if err != nil {
		r.logger.Warn().Err(err).Str("type", in.Type).Msg("bad event payload")
		return false
	}
	if !ok {
		return false
	}
	r.remember(in.ID)
	if r.snap == nil {
		return true
	}
	if in.Version != 0 && in.Version-1 != r.snap.Version {
		// Best effort: applied anyway, no reordering.
		r.metrics.Inconsistencies.Inc()
		r.logger.Warn().Str("type", in.Type).Uint64("local_version", r.snap.Version).Uint64("event_version", in.Version).Msg("version gap, applied anyway")
	}
	r.snap.Version++
	r.publishLocked()
	return true
}

func (r *Reconciler) mutate(in protocol.Inbound) (bool, error) {
	s := r.snap
	switch in.Type {
	case protocol.TypeParticipantJoined:
		var p protocol.ParticipantPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		id := p.Participant.ID
		if !r.index.Accept(id, in.ConnID) {
			r.drop("connection", in.Type, in.ConnID)
			return false, nil
		}
		r.index.Record(id, in.ConnID)
		s.Participants[id] = p.Participant

	case protocol.TypeParticipantLeft:
		var p protocol.ParticipantRefPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		if !r.index.Accept(p.Participant, in.ConnID) {
			r.drop("connection", in.Type, in.ConnID)
			return false, nil
		}
		r.index.Forget(p.Participant)
		removeParticipant(s, p.Participant)

	case protocol.TypeParticipantUpdated:
		var p protocol.ParticipantPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		if _, ok := s.Participants[p.Participant.ID]; !ok {
			return false, nil
		}
		s.Participants[p.Participant.ID] = p.Participant

	case protocol.TypeMessage:
		var p protocol.MessagePayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		if p.Message.ID != "" && s.HasMessage(p.Message.ID) {
			r.drop("message_id", in.Type, in.ConnID)
			return false, nil
		}
		s.AppendMessage(p.Message, r.opts.MessageLogLimit)
		if sender, ok := s.Participants[p.Message.From]; ok && p.Message.SentAt.After(sender.LastActivity) {
			sender.LastActivity = p.Message.SentAt
			s.Participants[sender.ID] = sender
		}

	case protocol.TypeParticipantMuted:
		var p protocol.ModerationPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		target, ok := s.Participants[p.Target]
		if !ok {
			return false, nil
		}
		target.IsMuted = true
		target.LockedMute = target.LockedMute || p.Locked
		s.Participants[p.Target] = target

	case protocol.TypeParticipantUnmuted:
		var p protocol.ModerationPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		target, ok := s.Participants[p.Target]
		if !ok {
			return false, nil
		}
		if target.LockedMute && !p.ByModerator {
			r.logger.Warn().Str("participant", string(p.Target)).Msg("self unmute while locked ignored")
			return false, nil
		}
		target.IsMuted = false
		target.LockedMute = false
		s.Participants[p.Target] = target

	case protocol.TypeParticipantKicked:
		var p protocol.ModerationPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		if p.Target == r.self {
			r.logger.Warn().Str("by", string(p.By)).Msg("kicked from session")
			r.resetLocked("kicked")
			return true, nil
		}
		r.index.Forget(p.Target)
		removeParticipant(s, p.Target)

	case protocol.TypeHandRaised, protocol.TypeHandLowered:
		var p protocol.ParticipantRefPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		part, ok := s.Participants[p.Participant]
		if !ok {
			return false, nil
		}
		part.HandRaised = in.Type == protocol.TypeHandRaised
		s.Participants[p.Participant] = part

	case protocol.TypeRoomCreated:
		var p protocol.RoomPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		s.Rooms[p.Room.ID] = p.Room.Clone()

	case protocol.TypeRoomJoined:
		var p protocol.RoomMembershipPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		room, ok := s.Rooms[p.Room]
		if !ok {
			r.logger.Warn().Str("room", string(p.Room)).Msg("join for unknown room")
			return false, nil
		}
		for _, other := range s.Rooms {
			delete(other.Members, p.Participant)
		}
		room.Members[p.Participant] = struct{}{}

	case protocol.TypeRoomLeft:
		var p protocol.RoomMembershipPayload
		if err := in.Decode(&p); err != nil {
			return false, err
		}
		room, ok := s.Rooms[p.Room]
		if !ok || !room.Has(p.Participant) {
			return false, nil
		}
		delete(room.Members, p.Participant)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := in.Decode(&p); err == nil {
			r.logger.Warn().Str("code", string(p.Code)).Str("error", p.Error).Msg("server error event")
		}
		return false, nil

	default:
		r.logger.Debug().Str("type", in.Type).Msg("unhandled event")
		return false, nil
	}
	return true, nil
}

func removeParticipant(s *domain.SessionSnapshot, id domain.ParticipantID) {
	delete(s.Participants, id)
	for _, room := range s.Rooms {
		delete(room.Members, id)
	}
}

// MarkStale flags the snapshot as untrusted until the next full snapshot.
func (r *Reconciler) MarkStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil || r.snap.Stale {
		return
	}
	r.snap.Stale = true
	r.publishLocked()
}

// Reset discards the snapshot and all ephemeral dedup state.
func (r *Reconciler) Reset(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked(reason)
}

func (r *Reconciler) resetLocked(reason string) {
	var sid domain.SessionID
	had := r.snap != nil
	if had {
		sid = r.snap.SessionID
	}
	r.snap = nil
	r.index.Reset()
	r.seen.Purge()
	r.metrics.SnapshotVersion.Set(0)
	if had {
		r.logger.Info().Str("session", string(sid)).Str("reason", reason).Msg("snapshot discarded")
		r.observers.Publish(Update{Snapshot: domain.SessionSnapshot{SessionID: sid}, Ended: true, Reason: reason})
	}
}

func (r *Reconciler) remember(id string) {
	if id != "" {
		r.seen.Add(id, struct{}{})
	}
}

func (r *Reconciler) drop(reason, typ, conn string) {
	r.metrics.Dropped.WithLabelValues(reason).Inc()
	r.logger.Debug().Str("reason", reason).Str("type", typ).Str("conn_id", conn).Msg("inbound event dropped")
}

func (r *Reconciler) publishLocked() {
	if r.snap == nil {
		return
	}
	r.metrics.SnapshotVersion.Set(float64(r.snap.Version))
	r.observers.Publish(Update{Snapshot: r.snap.Clone()})
}

// Close releases observers.
func (r *Reconciler) Close() { r.observers.Close() }
