package domain

import "errors"

var (
	ErrInvalidParticipant      = errors.New("invalid participant id")
	ErrAliasEmpty              = errors.New("alias empty")
	ErrAliasTooLong            = errors.New("alias too long")
	ErrAlreadyJoined           = errors.New("already joined another session")
	ErrNotJoined               = errors.New("not joined to a session")
	ErrEmptyMessage            = errors.New("message has neither content nor attachment")
	ErrMessageTooLong          = errors.New("message too long")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrMutedByModerator        = errors.New("muted by moderator")
	ErrInvalidRoomConfig       = errors.New("invalid room config")
	ErrRoomNotFound            = errors.New("room not found")
	ErrRoomFull                = errors.New("room full")
	ErrRoomClosed              = errors.New("room closed")
	ErrParticipantNotFound     = errors.New("participant not found")
	ErrAuthentication          = errors.New("authentication failed")
)
