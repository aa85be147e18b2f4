package core

import "github.com/dkeye/roomsync/internal/domain"

// memberSession implements MemberSession by pairing identity + transport.
type memberSession struct {
	participant domain.ParticipantID
	signal      SignalConnection
}

func NewMemberSession(participant domain.ParticipantID, signal SignalConnection) MemberSession {
	return &memberSession{participant: participant, signal: signal}
}

func (m *memberSession) Participant() domain.ParticipantID { return m.participant }
func (m *memberSession) Signal() SignalConnection          { return m.signal }
