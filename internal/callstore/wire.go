package callstore

import (
	"errors"
	"fmt"

	"family-calls/internal/calls"
)

// Error codes carried by the gateway's JSON error body.
const (
	CodeNotFound           = "not_found"
	CodeCallEnded          = "call_ended"
	CodeVersionConflict    = "version_conflict"
	CodePreconditionFailed = "precondition_failed"
	CodeInvalidTransition  = "invalid_transition"
	CodeInvalidArgument    = "invalid_argument"
	CodeCalleeBusy         = "callee_busy"
	CodeForbidden          = "forbidden"
	CodeInternal           = "internal"
)

// ErrorBody is the JSON shape of every gateway error.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, calls.ErrRecordNotFound):
		return CodeNotFound
	case errors.Is(err, calls.ErrCallEnded):
		return CodeCallEnded
	case errors.Is(err, calls.ErrVersionConflict):
		return CodeVersionConflict
	case errors.Is(err, ErrPreconditionFailed):
		return CodePreconditionFailed
	case errors.Is(err, calls.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, calls.ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, calls.ErrCalleeBusy):
		return CodeCalleeBusy
	default:
		return CodeInternal
	}
}

// ErrorFromCode rebuilds the sentinel a code stands for, keeping msg for context.
func ErrorFromCode(code, msg string) error {
	var base error
	switch code {
	case CodeNotFound:
		base = calls.ErrRecordNotFound
	case CodeCallEnded:
		base = calls.ErrCallEnded
	case CodeVersionConflict:
		base = calls.ErrVersionConflict
	case CodePreconditionFailed:
		base = ErrPreconditionFailed
	case CodeInvalidTransition:
		base = calls.ErrInvalidTransition
	case CodeInvalidArgument, CodeForbidden:
		base = calls.ErrInvalidArgument
	case CodeCalleeBusy:
		base = calls.ErrCalleeBusy
	default:
		return calls.Persistence("remote", errors.New(msg))
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
