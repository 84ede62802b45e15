package session

import "errors"

var (
	ErrSessionState    = errors.New("session: operation not allowed in session state")
	ErrChannelState    = errors.New("session: operation not allowed in channel state")
	ErrGreetingTimeout = errors.New("session: timed out waiting for greeting")
	ErrReplyTimeout    = errors.New("session: timed out waiting for reply")
	ErrTerminated      = errors.New("session: terminated")
	ErrTransportClosed = errors.New("session: transport closed")
	ErrNotRequest      = errors.New("session: message is not a request")
	ErrAlreadyReplied  = errors.New("session: request already answered")
	ErrNoProfiles      = errors.New("session: no profiles offered")
	ErrInvalidProfile  = errors.New("session: invalid profile")
	ErrProfileExists   = errors.New("session: profile already registered")
	ErrInvalidConfig   = errors.New("session: invalid config")
)
