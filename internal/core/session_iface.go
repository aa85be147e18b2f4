package core

import "github.com/dkeye/roomsync/internal/domain"

// ConnID identifies one server-side duplex connection.
type ConnID string

// MemberSession binds a participant identity and its transport endpoint.
// This is what a session stores and fans out to.
type MemberSession interface {
	Participant() domain.ParticipantID
	Signal() SignalConnection
}
