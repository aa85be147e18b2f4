// Package domain contains session entities and their invariants, no transport logic.
package domain

import (
	"strings"
	"time"
)

const (
	MaxParticipantIDLen = 64
	MaxAliasLen         = 36
)

type (
	SessionID     string
	ParticipantID string
)

// Role flags. A participant may hold several.
type Role uint8

const (
	RoleHost Role = 1 << iota
	RoleModerator
)

func (r Role) Has(flag Role) bool { return r&flag != 0 }

// Privileged reports whether the role allows mute/kick/room management.
func (r Role) Privileged() bool { return r.Has(RoleHost) || r.Has(RoleModerator) }

func (r Role) String() string {
	var parts []string
	if r.Has(RoleHost) {
		parts = append(parts, "host")
	}
	if r.Has(RoleModerator) {
		parts = append(parts, "moderator")
	}
	if len(parts) == 0 {
		return "participant"
	}
	return strings.Join(parts, "+")
}

type ConnectionStatus string

const (
	StatusOnline       ConnectionStatus = "online"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusOffline      ConnectionStatus = "offline"
)

// ParticipantInfo is what a client presents when joining a session or room.
type ParticipantInfo struct {
	ID    ParticipantID `json:"id"`
	Alias string        `json:"alias"`
}

// NewParticipantInfo validates and normalises a join identity.
func NewParticipantInfo(id ParticipantID, alias string) (ParticipantInfo, error) {
	info := ParticipantInfo{ID: ParticipantID(strings.TrimSpace(string(id))), Alias: strings.TrimSpace(alias)}
	return info, info.Validate()
}

func (p ParticipantInfo) Validate() error {
	if p.ID == "" || len(p.ID) > MaxParticipantIDLen {
		return ErrInvalidParticipant
	}
	if len(p.Alias) == 0 {
		return ErrAliasEmpty
	}
	if len(p.Alias) > MaxAliasLen {
		return ErrAliasTooLong
	}
	return nil
}

// Participant is one entry of a session snapshot.
type Participant struct {
	ID           ParticipantID    `json:"id"`
	Alias        string           `json:"alias"`
	Role         Role             `json:"role"`
	IsMuted      bool             `json:"is_muted"`
	LockedMute   bool             `json:"locked_mute"`
	HandRaised   bool             `json:"hand_raised"`
	Status       ConnectionStatus `json:"status"`
	LastActivity time.Time        `json:"last_activity"`
}

func NewParticipant(info ParticipantInfo, role Role, now time.Time) Participant {
	return Participant{
		ID:           info.ID,
		Alias:        info.Alias,
		Role:         role,
		Status:       StatusOnline,
		LastActivity: now,
	}
}

// CanSelfUnmute is false while a privileged actor holds the mute.
func (p Participant) CanSelfUnmute() bool { return !p.LockedMute }
