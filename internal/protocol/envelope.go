// Package protocol defines the duplex wire format: a JSON envelope carrying
// a named event, an optional correlation id and a payload.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/roomsync/internal/domain"
)

// Outbound commands.
const (
	TypeAuth         = "auth"
	TypeHeartbeat    = "heartbeat"
	TypeJoinSession  = "join_session"
	TypeLeaveSession = "leave_session"
	TypeSendMessage  = "send_message"
	TypeCreateRoom   = "create_room"
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeMute         = "mute"
	TypeUnmute       = "unmute"
	TypeKick         = "kick"
	TypeRaiseHand    = "raise_hand"
	TypeLowerHand    = "lower_hand"
	TypeSetMic       = "set_mic"
)

// Inbound events.
const (
	TypeAuthOK             = "auth_ok"
	TypeAuthFailed         = "auth_failed"
	TypeAck                = "ack"
	TypeHeartbeatAck       = "heartbeat_ack"
	TypeSessionState       = "session_state"
	TypeParticipantJoined  = "participant_joined"
	TypeParticipantLeft    = "participant_left"
	TypeParticipantUpdated = "participant_updated"
	TypeMessage            = "message"
	TypeParticipantMuted   = "participant_muted"
	TypeParticipantUnmuted = "participant_unmuted"
	TypeParticipantKicked  = "participant_kicked"
	TypeHandRaised         = "hand_raised"
	TypeHandLowered        = "hand_lowered"
	TypeRoomCreated        = "room_created"
	TypeRoomJoined         = "room_joined"
	TypeRoomLeft           = "room_left"
	TypeError              = "error"
)

// Envelope is one frame on the duplex channel.
//
// ID correlates a command with its ack (client generated messageId) and,
// on broadcast events, carries the server event id. Version is the server
// snapshot version after the event was applied; zero when not applicable.
type Envelope struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Session domain.SessionID `json:"session,omitempty"`
	Version uint64           `json:"version,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// New builds an envelope with v marshalled as payload.
func New(typ, id string, session domain.SessionID, v any) (Envelope, error) {
	env := Envelope{Type: typ, ID: id, Session: session}
	if v == nil {
		return env, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env.Payload = b
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: bad payload: %w", e.Type, err)
	}
	return nil
}

func Marshal(e Envelope) ([]byte, error) { return json.Marshal(e) }

func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return e, err
	}
	if e.Type == "" {
		return e, fmt.Errorf("envelope without type")
	}
	return e, nil
}

// Inbound is an envelope tagged with the client-side connection it arrived on.
type Inbound struct {
	ConnID string
	Envelope
}
