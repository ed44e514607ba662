package calltest

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures across the engine.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeConfig              ErrorCode = "CONFIG_ERROR"
	CodeTunnelUnavailable   ErrorCode = "TUNNEL_UNAVAILABLE"
	CodeCallConnectTimeout  ErrorCode = "CALL_CONNECT_TIMEOUT"
	CodeConversationTimeout ErrorCode = "CONVERSATION_TIMEOUT"
	CodeChannel             ErrorCode = "CHANNEL_ERROR"
	CodeJudge               ErrorCode = "JUDGE_ERROR"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Error is a classified engine error. Reason is a short machine-friendly
// detail such as a field name or "twilio_busy".
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("calltest: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("calltest: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a classified error.
func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
