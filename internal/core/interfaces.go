package core

import (
	"context"
	"time"

	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/protocol"
)

// Channel is one live client-side duplex connection.
// Inbound is closed when the connection ends; Err then reports why.
type Channel interface {
	ID() string
	Participant() domain.ParticipantID
	// Send queues env for transmission without blocking.
	Send(env protocol.Envelope) error
	Inbound() <-chan protocol.Envelope
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens and authenticates a Channel. Authentication rejections must
// wrap domain.ErrAuthentication so they are not retried.
type Dialer interface {
	Dial(ctx context.Context, token string) (Channel, error)
}

// Credential is a bearer token with its expiry. A zero ExpiresAt never expires.
type Credential struct {
	Value     string
	Subject   domain.ParticipantID
	ExpiresAt time.Time
}

func (c Credential) Valid(now time.Time) bool {
	if c.Value == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// TokenProvider supplies the current credential. The core never mints or
// refreshes tokens.
type TokenProvider interface {
	Credential(ctx context.Context) (Credential, error)
}

// Receipt is the immediate result of a session operation. MessageID is
// always set; Event is the server echo when the transport returns one
// synchronously (request/response), nil for the duplex transport.
type Receipt struct {
	MessageID string
	Event     *protocol.Envelope
}

// SessionTransport is one way of carrying session operations to the
// server. The duplex and request/response implementations share the
// signatures and error taxonomy so the Façade can swap them per call.
type SessionTransport interface {
	Name() string
	JoinSession(ctx context.Context, id domain.SessionID, info domain.ParticipantInfo) (domain.SessionSnapshot, error)
	LeaveSession(ctx context.Context, id domain.SessionID) error
	SendMessage(ctx context.Context, id domain.SessionID, msg domain.ChatMessage) (Receipt, error)
	CreateBreakoutRoom(ctx context.Context, id domain.SessionID, cfg domain.RoomConfig) (Receipt, error)
	JoinBreakoutRoom(ctx context.Context, id domain.SessionID, room domain.RoomID, info domain.ParticipantInfo) (Receipt, error)
	LeaveBreakoutRoom(ctx context.Context, id domain.SessionID, room domain.RoomID) (Receipt, error)
	MuteParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (Receipt, error)
	UnmuteParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (Receipt, error)
	KickParticipant(ctx context.Context, id domain.SessionID, target domain.ParticipantID) (Receipt, error)
	SetHandRaised(ctx context.Context, id domain.SessionID, raised bool) (Receipt, error)
	SetMicMuted(ctx context.Context, id domain.SessionID, muted bool) (Receipt, error)
}

// MessageCache keeps recently seen messages per session to hydrate a
// reattaching UI. It is optional.
type MessageCache interface {
	Store(ctx context.Context, id domain.SessionID, msgs []domain.ChatMessage) error
	Recent(ctx context.Context, id domain.SessionID, limit int) ([]domain.ChatMessage, error)
	Purge(ctx context.Context) (int64, error)
	Close() error
}
