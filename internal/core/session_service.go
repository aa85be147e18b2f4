package core

import (
	"time"

	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

// PublishResult reports delivery stats/backpressure to the orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// SessionService is the server-authoritative state of one session.
// Every accepted mutation bumps the version and returns the broadcast
// event stamped with it. It owns the attached connections but never
// closes transport resources.
type SessionService interface {
	ID() domain.SessionID
	Snapshot() domain.SessionSnapshot
	ParticipantCount() int

	Join(info domain.ParticipantInfo, role domain.Role, now time.Time) (protocol.Envelope, error)
	Leave(id domain.ParticipantID) (protocol.Envelope, error)
	SetStatus(id domain.ParticipantID, status domain.ConnectionStatus, now time.Time) (protocol.Envelope, error)
	PostMessage(actor domain.ParticipantID, msg domain.ChatMessage, now time.Time) (protocol.Envelope, error)
	CreateRoom(actor domain.ParticipantID, cfg domain.RoomConfig) (protocol.Envelope, error)
	JoinRoom(actor domain.ParticipantID, room domain.RoomID, target domain.ParticipantInfo) (protocol.Envelope, error)
	LeaveRoom(actor domain.ParticipantID, room domain.RoomID) (protocol.Envelope, error)
	Mute(actor, target domain.ParticipantID) (protocol.Envelope, error)
	Unmute(actor, target domain.ParticipantID) (protocol.Envelope, error)
	Kick(actor, target domain.ParticipantID) (protocol.Envelope, error)
	SetHand(actor domain.ParticipantID, raised bool) (protocol.Envelope, error)
	SetMic(actor domain.ParticipantID, muted bool) (protocol.Envelope, error)

	// Attach registers conn and sends it the session_state frame first.
	Attach(conn ConnID, ms MemberSession) error
	Detach(conn ConnID)
	ConnsOf(participant domain.ParticipantID) []ConnID
	ConnCount() int
	Broadcast(from ConnID, data Frame) PublishResult
}

type SessionInfo struct {
	ID           domain.SessionID `json:"id"`
	Participants int              `json:"participants"`
	Version      uint64           `json:"version"`
}
