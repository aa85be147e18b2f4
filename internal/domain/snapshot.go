package domain

import "maps"

// SessionSnapshot is the local view of one session. Callers only ever
// hold copies; the reconciler owns the live value.
type SessionSnapshot struct {
	SessionID    SessionID                     `json:"session_id"`
	Version      uint64                        `json:"version"`
	Participants map[ParticipantID]Participant `json:"participants"`
	Rooms        map[RoomID]*BreakoutRoom      `json:"rooms"`
	Messages     []ChatMessage                 `json:"messages"`
	// Stale is set while the duplex channel is down; the snapshot must be
	// rebuilt from a fresh join before it is trusted again.
	Stale bool `json:"-"`
}

func NewSessionSnapshot(id SessionID) *SessionSnapshot {
	return &SessionSnapshot{
		SessionID:    id,
		Participants: make(map[ParticipantID]Participant),
		Rooms:        make(map[RoomID]*BreakoutRoom),
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *SessionSnapshot) Clone() SessionSnapshot {
	c := SessionSnapshot{
		SessionID:    s.SessionID,
		Version:      s.Version,
		Participants: maps.Clone(s.Participants),
		Rooms:        make(map[RoomID]*BreakoutRoom, len(s.Rooms)),
		Messages:     append([]ChatMessage(nil), s.Messages...),
		Stale:        s.Stale,
	}
	if c.Participants == nil {
		c.Participants = make(map[ParticipantID]Participant)
	}
	for id, r := range s.Rooms {
		c.Rooms[id] = r.Clone()
	}
	return c
}

func (s *SessionSnapshot) Participant(id ParticipantID) (Participant, bool) {
	p, ok := s.Participants[id]
	return p, ok
}

// RoomOf returns the breakout room id holds, if any.
func (s *SessionSnapshot) RoomOf(id ParticipantID) (RoomID, bool) {
	for rid, r := range s.Rooms {
		if r.Has(id) {
			return rid, true
		}
	}
	return "", false
}

// AppendMessage keeps at most limit messages; limit <= 0 keeps all.
func (s *SessionSnapshot) AppendMessage(m ChatMessage, limit int) {
	s.Messages = append(s.Messages, m)
	if limit > 0 && len(s.Messages) > limit {
		s.Messages = append([]ChatMessage(nil), s.Messages[len(s.Messages)-limit:]...)
	}
}

func (s *SessionSnapshot) HasMessage(id string) bool {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].ID == id {
			return true
		}
	}
	return false
}
