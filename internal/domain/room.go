package domain

import (
	"encoding/json"
	"sort"
	"strings"
)

const (
	MaxRoomNameLen  = 36
	MaxRoomCapacity = 500
)

type RoomID string

// RoomConfig is the request to open a breakout room.
type RoomConfig struct {
	ID       RoomID `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	// Facilitator defaults to the creator when empty.
	Facilitator ParticipantID `json:"facilitator,omitempty"`
}

func (c RoomConfig) Validate() error {
	name := strings.TrimSpace(c.Name)
	if c.ID == "" || name == "" || len(name) > MaxRoomNameLen {
		return ErrInvalidRoomConfig
	}
	if c.Capacity < 0 || c.Capacity > MaxRoomCapacity {
		return ErrInvalidRoomConfig
	}
	return nil
}

// BreakoutRoom is a sub-room of a session. Capacity 0 means unbounded.
type BreakoutRoom struct {
	ID          RoomID                     `json:"id"`
	Name        string                     `json:"name"`
	Facilitator ParticipantID              `json:"facilitator"`
	Members     map[ParticipantID]struct{} `json:"-"`
	Capacity    int                        `json:"capacity"`
	Open        bool                       `json:"open"`
}

func NewBreakoutRoom(cfg RoomConfig, creator ParticipantID) *BreakoutRoom {
	facilitator := cfg.Facilitator
	if facilitator == "" {
		facilitator = creator
	}
	return &BreakoutRoom{
		ID:          cfg.ID,
		Name:        strings.TrimSpace(cfg.Name),
		Facilitator: facilitator,
		Members:     make(map[ParticipantID]struct{}),
		Capacity:    cfg.Capacity,
		Open:        true,
	}
}

func (r *BreakoutRoom) Has(id ParticipantID) bool {
	_, ok := r.Members[id]
	return ok
}

func (r *BreakoutRoom) Full() bool {
	return r.Capacity > 0 && len(r.Members) >= r.Capacity
}

// Admit checks the room can take id; it does not mutate.
func (r *BreakoutRoom) Admit(id ParticipantID) error {
	if !r.Open {
		return ErrRoomClosed
	}
	if r.Has(id) {
		return nil
	}
	if r.Full() {
		return ErrRoomFull
	}
	return nil
}

// MemberList returns members sorted for stable output.
func (r *BreakoutRoom) MemberList() []ParticipantID {
	out := make([]ParticipantID, 0, len(r.Members))
	for id := range r.Members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *BreakoutRoom) Clone() *BreakoutRoom {
	c := *r
	c.Members = make(map[ParticipantID]struct{}, len(r.Members))
	for id := range r.Members {
		c.Members[id] = struct{}{}
	}
	return &c
}

type roomWire struct {
	ID          RoomID          `json:"id"`
	Name        string          `json:"name"`
	Facilitator ParticipantID   `json:"facilitator"`
	Members     []ParticipantID `json:"members"`
	Capacity    int             `json:"capacity"`
	Open        bool            `json:"open"`
}

func (r BreakoutRoom) MarshalJSON() ([]byte, error) {
	return json.Marshal(roomWire{
		ID:          r.ID,
		Name:        r.Name,
		Facilitator: r.Facilitator,
		Members:     r.MemberList(),
		Capacity:    r.Capacity,
		Open:        r.Open,
	})
}

func (r *BreakoutRoom) UnmarshalJSON(data []byte) error {
	var w roomWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.ID, r.Name, r.Facilitator, r.Capacity, r.Open = w.ID, w.Name, w.Facilitator, w.Capacity, w.Open
	r.Members = make(map[ParticipantID]struct{}, len(w.Members))
	for _, id := range w.Members {
		r.Members[id] = struct{}{}
	}
	return nil
}
