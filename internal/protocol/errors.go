package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol-fatal conditions. Any of these terminates the session.
var (
	ErrMalformedFrame   = errors.New("protocol: malformed frame")
	ErrUnknownChannel   = errors.New("protocol: unknown channel")
	ErrSequence         = errors.New("protocol: sequence violation")
	ErrWindowExceeded   = errors.New("protocol: receive window exceeded")
	ErrDuplicateMsgno   = errors.New("protocol: duplicate msgno")
	ErrUnexpectedReply  = errors.New("protocol: unexpected reply")
	ErrFrameTypeChanged = errors.New("protocol: frame type changed mid-message")
	ErrIllegalState     = errors.New("protocol: illegal state transition")
)

// Error is a negotiated failure carried by an error element or an ERR reply.
type Error struct {
	Code       Code
	Diagnostic string
	Lang       string
}

// NewError builds an Error; an empty diagnostic falls back to the code text.
func NewError(code Code, diagnostic string) *Error {
	return &Error{Code: code, Diagnostic: strings.TrimSpace(diagnostic)}
}

// Errorf builds an Error with a formatted diagnostic.
func Errorf(code Code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	diag := e.Diagnostic
	if diag == "" {
		diag = e.Code.String()
	}
	return fmt.Sprintf("beep error %d: %s", int(e.Code), diag)
}

// AsError extracts a negotiated error from err, converting anything else into
// a transaction-failed error so it can be sent to the peer.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return NewError(CodeTransactionFailed, err.Error())
}

// IOError reports an interrupted transfer and how many bytes made it through.
type IOError struct {
	Transferred int
	Err         error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("protocol: i/o interrupted after %d bytes: %v", e.Transferred, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
