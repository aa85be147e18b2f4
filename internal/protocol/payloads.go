package protocol

import (
	"encoding/json"

	"github.com/dkeye/roomsync/internal/domain"
)

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthOKPayload struct {
	ConnID      string               `json:"conn_id"`
	Participant domain.ParticipantID `json:"participant"`
}

type AuthFailedPayload struct {
	Reason string `json:"reason"`
}

// AckPayload answers a command; Data carries the command result when any.
type AckPayload struct {
	OK    bool            `json:"ok"`
	Code  ErrorCode       `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinSessionPayload struct {
	Participant domain.ParticipantInfo `json:"participant"`
}

type SendMessagePayload struct {
	Message domain.ChatMessage `json:"message"`
}

type CreateRoomPayload struct {
	Config domain.RoomConfig `json:"config"`
}

type RoomMemberPayload struct {
	Room        domain.RoomID          `json:"room"`
	Participant domain.ParticipantInfo `json:"participant"`
}

type TargetPayload struct {
	Target domain.ParticipantID `json:"target"`
}

type MicPayload struct {
	Muted bool `json:"muted"`
}

// Broadcast payloads.

type SessionStatePayload struct {
	Snapshot domain.SessionSnapshot `json:"snapshot"`
}

type ParticipantPayload struct {
	Participant domain.Participant `json:"participant"`
}

type ParticipantRefPayload struct {
	Participant domain.ParticipantID `json:"participant"`
}

type MessagePayload struct {
	Message domain.ChatMessage `json:"message"`
}

// ModerationPayload is sent for mute, unmute and kick. Locked is set when a
// privileged actor muted someone else; ByModerator when a privileged actor
// lifted it.
type ModerationPayload struct {
	Target      domain.ParticipantID `json:"target"`
	By          domain.ParticipantID `json:"by"`
	Locked      bool                 `json:"locked,omitempty"`
	ByModerator bool                 `json:"by_moderator,omitempty"`
}

type RoomPayload struct {
	Room domain.BreakoutRoom `json:"room"`
}

type RoomMembershipPayload struct {
	Room        domain.RoomID        `json:"room"`
	Participant domain.ParticipantID `json:"participant"`
}

type ErrorPayload struct {
	Code  ErrorCode `json:"code"`
	Error string    `json:"error"`
}

type HandPayload struct {
	Raised bool `json:"raised"`
}
