package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

// sessionImpl is a threadsafe in-memory session.
type sessionImpl struct {
	mu         sync.RWMutex
	state      *domain.SessionSnapshot
	everJoined bool
	logLimit   int

	conns map[ConnID]MemberSession
}

func NewSessionService(id domain.SessionID, logLimit int) SessionService {
	return &sessionImpl{
		state:    domain.NewSessionSnapshot(id),
		logLimit: logLimit,
		conns:    make(map[ConnID]MemberSession),
	}
}

func (s *sessionImpl) ID() domain.SessionID { return s.state.SessionID }

func (s *sessionImpl) Snapshot() domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

func (s *sessionImpl) ParticipantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Participants)
}

// event bumps the version and stamps an envelope. Caller holds mu.
func (s *sessionImpl) event(typ string, payload any) (protocol.Envelope, error) {
	s.state.Version++
	env, err := protocol.New(typ, uuid.NewString(), s.state.SessionID, payload)
	env.Version = s.state.Version
	return env, err
}

func (s *sessionImpl) privileged(actor domain.ParticipantID) (domain.Participant, error) {
	p, ok := s.state.Participants[actor]
	if !ok {
		return p, domain.ErrNotJoined
	}
	if !p.Role.Privileged() {
		return p, domain.ErrInsufficientPermissions
	}
	return p, nil
}

func (s *sessionImpl) member(actor domain.ParticipantID) (domain.Participant, error) {
	p, ok := s.state.Participants[actor]
	if !ok {
		return p, domain.ErrNotJoined
	}
	return p, nil
}

func (s *sessionImpl) Join(info domain.ParticipantInfo, role domain.Role, now time.Time) (protocol.Envelope, error) {
	if err := info.Validate(); err != nil {
		return protocol.Envelope{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.Participants[info.ID]
	if ok {
		p.Alias = info.Alias
		p.Role |= role
		p.Status = domain.StatusOnline
		p.LastActivity = now
	} else {
		if !s.everJoined {
			role |= domain.RoleHost
		}
		p = domain.NewParticipant(info, role, now)
	}
	s.everJoined = true
	s.state.Participants[p.ID] = p
	log.Info().Str("module", "core.session").Str("session", string(s.state.SessionID)).Str("participant", string(p.ID)).Str("role", p.Role.String()).Msg("participant joined")
	return s.event(protocol.TypeParticipantJoined, protocol.ParticipantPayload{Participant: p})
}

func (s *sessionImpl) Leave(id domain.ParticipantID) (protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Participants[id]; !ok {
		return protocol.Envelope{}, domain.ErrParticipantNotFound
	}
	s.removeLocked(id)
	log.Info().Str("module", "core.session").Str("session", string(s.state.SessionID)).Str("participant", string(id)).Msg("participant left")
	return s.event(protocol.TypeParticipantLeft, protocol.ParticipantRefPayload{Participant: id})
}

func (s *sessionImpl) removeLocked(id domain.ParticipantID) {
	delete(s.state.Participants, id)
	for _, r := range s.state.Rooms {
		delete(r.Members, id)
	}
}

func (s *sessionImpl) SetStatus(id domain.ParticipantID, status domain.ConnectionStatus, now time.Time) (protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.member(id)
	if err != nil {
		return protocol.Envelope{}, err
	}
	p.Status = status
	p.LastActivity = now
	s.state.Participants[id] = p
	return s.event(protocol.TypeParticipantUpdated, protocol.ParticipantPayload{Participant: p})
}

func (s *sessionImpl) PostMessage(actor domain.ParticipantID, msg domain.ChatMessage, now time.Time) (protocol.Envelope, error) {
	if err := msg.Validate(); err != nil {
		return protocol.Envelope{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.member(actor)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if msg.Room != "" {
		r, ok := s.state.Rooms[msg.Room]
		if !ok {
			return protocol.Envelope{}, domain.ErrRoomNotFound
		}
		if !r.Has(actor) && !p.Role.Privileged() {
			return protocol.Envelope{}, domain.ErrInsufficientPermissions
		}
	}
	if msg.Type == "" {
		msg.Type = domain.MessageText
	}
	msg.From = actor
	msg.SentAt = now
	p.LastActivity = now
	s.state.Participants[actor] = p
	s.state.AppendMessage(msg, s.logLimit)
	return s.event(protocol.TypeMessage, protocol.MessagePayload{Message: msg})
}

func (s *sessionImpl) CreateRoom(actor domain.ParticipantID, cfg domain.RoomConfig) (protocol.Envelope, error) {
	if err := cfg.Validate(); err != nil {
		return protocol.Envelope{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.privileged(actor); err != nil {
		return protocol.Envelope{}, err
	}
	if _, exists := s.state.Rooms[cfg.ID]; exists {
		return protocol.Envelope{}, domain.ErrInvalidRoomConfig
	}
	if cfg.Facilitator != "" {
		if _, ok := s.state.Participants[cfg.Facilitator]; !ok {
			return protocol.Envelope{}, domain.ErrParticipantNotFound
		}
	}
	room := domain.NewBreakoutRoom(cfg, actor)
	s.state.Rooms[room.ID] = room
	log.Info().Str("module", "core.session").Str("session", string(s.state.SessionID)).Str("room", string(room.ID)).Msg("room created")
	return s.event(protocol.TypeRoomCreated, protocol.RoomPayload{Room: *room.Clone()})
}

func (s *sessionImpl) JoinRoom(actor domain.ParticipantID, roomID domain.RoomID, target domain.ParticipantInfo) (protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	who := target.ID
	if who == "" {
		who = actor
	}
	if who != actor {
		if _, err := s.privileged(actor); err != nil {
			return protocol.Envelope{}, err
		}
	} else if _, err := s.member(actor); err != nil {
		return protocol.Envelope{}, err
	}
	if _, ok := s.state.Participants[who]; !ok {
		return protocol.Envelope{}, domain.ErrParticipantNotFound
	}
	room, ok := s.state.Rooms[roomID]
	if !ok {
		return protocol.Envelope{}, domain.ErrRoomNotFound
	}
	if err := room.Admit(who); err != nil {
		return protocol.Envelope{}, err
	}
	for _, r := range s.state.Rooms {
		delete(r.Members, who)
	}
	room.Members[who] = struct{}{}
	return s.event(protocol.TypeRoomJoined, protocol.RoomMembershipPayload{Room: roomID, Participant: who})
}

func (s *sessionImpl) LeaveRoom(actor domain.ParticipantID, roomID domain.RoomID) (protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.member(actor); err != nil {
		return protocol.Envelope{}, err
	}
	room, ok := s.state.Rooms[roomID]
	if !ok {
		return protocol.Envelope{}, domain.ErrRoomNotFound
	}
	if !room.Has(actor) {
		return protocol.Envelope{}, domain.ErrParticipantNotFound
	}
	delete(room.Members, actor)
	return s.event(protocol.TypeRoomLeft, protocol.RoomMembershipPayload{Room: roomID, Participant: actor})
}

func (s *sessionImpl) Mute(actor, target domain.ParticipantID) (protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.privileged(actor); err != nil {
		return protocol.Envelope{}, err
	}
	p, ok := s.state.Participants[target]
	if !ok {
		return protocol.Envelope{}, domain.ErrParticipantNotFound
	}
	p.IsMuted = true
	p.LockedMute = actor != target
	s.state.Participants[target] = p
	return s.event(protocol.TypeParticipantMuted, protocol.ModerationPayload{Target: target, By: actor, Locked: p.LockedMute})
}

func (s *sessionImpl) Unmute(actor, target domain.ParticipantID) (protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.privileged(actor); err != nil {
		return protocol.Envelope{}, err
	}
	p, ok := s.state.Participants[target]
	if !ok {
		return protocol.Envelope{}, domain.ErrParticipantNotFound
	}
	p.IsMuted = false
	p.LockedMute = false
	s.state.Participants[target] = p
	return s.event(protocol.TypeParticipantUnmuted, protocol.ModerationPayload{Target: target, By: actor, ByModerator: true})
}

func (s *sessionImpl) Kick(actor, target domain.ParticipantID) (protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	by, err := s.privileged(actor)
	if err != nil {
		return protocol.Envelope{}, err
	}
	p, ok := s.state.Participants[target]
	if !ok {
		return protocol.Envelope{}, domain.ErrParticipantNotFound
	}
	if p.Role.Has(domain.RoleHost) && !by.Role.Has(domain.RoleHost) {
		return protocol.Envelope{}, domain.ErrInsufficientPermissions
	}
	s.removeLocked(target)
	log.Info().Str("module", "core.session").Str("session", string(s.state.SessionID)).Str("target", string(target)).Str("by", string(actor)).Msg("participant kicked")
	return s.event(protocol.TypeParticipantKicked, protocol.ModerationPayload{Target: target, By: actor})
}

func (s *sessionImpl) SetHand(actor domain.ParticipantID, raised bool) (protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.member(actor)
	if err != nil {
		return protocol.Envelope{}, err
	}
	p.HandRaised = raised
	s.state.Participants[actor] = p
	typ := protocol.TypeHandLowered
	if raised {
		typ = protocol.TypeHandRaised
	}
	return s.event(typ, protocol.ParticipantRefPayload{Participant: actor})
}

func (s *sessionImpl) SetMic(actor domain.ParticipantID, muted bool) (protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.member(actor)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if !muted && p.LockedMute {
		return protocol.Envelope{}, domain.ErrMutedByModerator
	}
	p.IsMuted = muted
	s.state.Participants[actor] = p
	if muted {
		return s.event(protocol.TypeParticipantMuted, protocol.ModerationPayload{Target: actor, By: actor})
	}
	return s.event(protocol.TypeParticipantUnmuted, protocol.ModerationPayload{Target: actor, By: actor})
}

// Attach registers conn and sends it the full state as its first frame.
// Broadcasts take the read lock, so no event can reach conn before it.
func (s *sessionImpl) Attach(conn ConnID, ms MemberSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := protocol.New(protocol.TypeSessionState, uuid.NewString(), s.state.SessionID,
		protocol.SessionStatePayload{Snapshot: s.state.Clone()})
	if err != nil {
		return err
	}
	env.Version = s.state.Version
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	if err := ms.Signal().TrySend(data); err != nil {
		return err
	}
	s.conns[conn] = ms
	log.Info().Str("module", "core.session").Str("conn_id", string(conn)).Str("participant", string(ms.Participant())).Uint64("version", env.Version).Msg("connection attached")
	return nil
}

func (s *sessionImpl) Detach(conn ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	log.Info().Str("module", "core.session").Str("conn_id", string(conn)).Msg("connection detached")
}

// ConnsOf returns the attached connections of participant.
func (s *sessionImpl) ConnsOf(participant domain.ParticipantID) []ConnID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConnID
	for cid, m := range s.conns {
		if m.Participant() == participant {
			out = append(out, cid)
		}
	}
	return out
}

func (s *sessionImpl) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *sessionImpl) Broadcast(from ConnID, data Frame) PublishResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := PublishResult{}
	for cid, m := range s.conns {
		if cid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.session").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
