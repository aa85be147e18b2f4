package protocol

import (
	"errors"

	"github.com/dkeye/roomsync/internal/domain"
)

// ErrorCode is the wire form of the domain error taxonomy, shared by acks
// and HTTP fallback responses.
type ErrorCode string

const (
	CodeBadRequest             ErrorCode = "bad_request"
	CodeUnauthorized           ErrorCode = "unauthorized"
	CodeAlreadyJoined          ErrorCode = "already_joined"
	CodeNotJoined              ErrorCode = "not_joined"
	CodeEmptyMessage           ErrorCode = "empty_message"
	CodeMessageTooLong         ErrorCode = "message_too_long"
	CodeInsufficientPermission ErrorCode = "insufficient_permissions"
	CodeMutedByModerator       ErrorCode = "muted_by_moderator"
	CodeInvalidRoomConfig      ErrorCode = "invalid_room_config"
	CodeRoomNotFound           ErrorCode = "room_not_found"
	CodeRoomFull               ErrorCode = "room_full"
	CodeRoomClosed             ErrorCode = "room_closed"
	CodeParticipantNotFound    ErrorCode = "participant_not_found"
	CodeInvalidParticipant     ErrorCode = "invalid_participant"
	CodeRateLimited            ErrorCode = "rate_limited"
	CodeInternal               ErrorCode = "internal"
)

var (
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limited")
)

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{CodeBadRequest, ErrBadRequest},
	{CodeRateLimited, ErrRateLimited},
	{CodeUnauthorized, domain.ErrAuthentication},
	{CodeAlreadyJoined, domain.ErrAlreadyJoined},
	{CodeNotJoined, domain.ErrNotJoined},
	{CodeEmptyMessage, domain.ErrEmptyMessage},
	{CodeMessageTooLong, domain.ErrMessageTooLong},
	{CodeInsufficientPermission, domain.ErrInsufficientPermissions},
	{CodeMutedByModerator, domain.ErrMutedByModerator},
	{CodeInvalidRoomConfig, domain.ErrInvalidRoomConfig},
	{CodeRoomNotFound, domain.ErrRoomNotFound},
	{CodeRoomFull, domain.ErrRoomFull},
	{CodeRoomClosed, domain.ErrRoomClosed},
	{CodeParticipantNotFound, domain.ErrParticipantNotFound},
	{CodeInvalidParticipant, domain.ErrInvalidParticipant},
	{CodeInvalidParticipant, domain.ErrAliasEmpty},
	{CodeInvalidParticipant, domain.ErrAliasTooLong},
}

// CodeOf maps an error to its wire code. Unknown errors map to CodeInternal.
func CodeOf(err error) ErrorCode {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// ErrorOf maps a wire code back to the domain sentinel. It returns nil for
// codes without a domain counterpart.
func ErrorOf(code ErrorCode) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return ce.err
		}
	}
	return nil
}
