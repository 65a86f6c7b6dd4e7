package types

import "errors"

// Error taxonomy shared by server and client. The wire protocol carries the
// code strings below; DecodeError restores the matching sentinel on the
// client so both sides agree under errors.Is.
var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomDisabled = errors.New("room is disabled")
	ErrForbidden    = errors.New("operation not permitted for this role")
	ErrTimeout      = errors.New("acknowledgment not received in time")
	ErrTransport    = errors.New("connection dropped mid-operation")
	ErrValidation   = errors.New("invalid message content")
	ErrRateLimited  = errors.New("message rate limit exceeded")
)

const (
	CodeRoomNotFound = "RoomNotFound"
	CodeRoomDisabled = "RoomDisabled"
	CodeForbidden    = "Forbidden"
	CodeTimeout      = "Timeout"
	CodeTransport    = "TransportError"
	CodeValidation   = "ValidationError"
	CodeRateLimited  = "RateLimited"
	codeInternal     = "Internal"
)

// ErrorCode maps an error onto its wire code. Unrecognized errors are
// reported as internal to avoid leaking details to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrRoomDisabled):
		return CodeRoomDisabled
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrTransport):
		return CodeTransport
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return codeInternal
	}
}

// DecodeError is the inverse of ErrorCode for known codes.
func DecodeError(code string) error {
	switch code {
	case CodeRoomNotFound:
		return ErrRoomNotFound
	case CodeRoomDisabled:
		return ErrRoomDisabled
	case CodeForbidden:
		return ErrForbidden
	case CodeTimeout:
		return ErrTimeout
	case CodeTransport:
		return ErrTransport
	case CodeValidation:
		return ErrValidation
	case CodeRateLimited:
		return ErrRateLimited
	default:
		return errors.New("server error: " + code)
	}
}
