package session

import (
	"context"
	"fmt"
	"maps"

	"github.com/danmuck/beepmux/internal/protocol"
)

// TuningProperties carries what a tuning profile negotiated, such as a
// cipher suite or an authenticated identity.
type TuningProperties map[string]string

func (p TuningProperties) Clone() TuningProperties {
	if p == nil {
		return TuningProperties{}
	}
	return maps.Clone(p)
}

// Credential identifies one side of a tuned session.
type Credential struct {
	Mechanism  string
	Identity   string
	Properties TuningProperties
}

// ResetFunc observes a session being replaced after tuning.
type ResetFunc func(old, next *Session)

// OnReset registers fn to run after Reset produces a replacement session.
// Hooks carry over to the replacement.
func (s *Session) OnReset(fn ResetFunc) {
	s.mu.Lock()
	s.onReset = append(s.onReset, fn)
	s.mu.Unlock()
}

func (s *Session) TuningProperties() TuningProperties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props.Clone()
}

func (s *Session) LocalCredential() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localCred
}

func (s *Session) PeerCredential() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCred
}

// BeginTuning reserves the session for a tuning exchange on ch. Every other
// application channel must be closed.
func (s *Session) BeginTuning(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("%w: begin tuning in %s", ErrSessionState, s.state)
	}
	if ch == nil || ch.number == 0 || s.channels[ch.number] != ch {
		return fmt.Errorf("%w: tuning needs an open application channel", ErrChannelState)
	}
	if open := len(s.channels) - 2; open > 0 {
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "%d other channels still open", open)
	}
	if err := ch.transition(StateTuningPending); err != nil {
		return err
	}
	return s.setStateLocked(StateTuningPending)
}

// Tune marks ch as the tuning channel. Once its final exchange completes,
// inbound IO stops until Reset, ResumeIO or AbortTuning.
func (s *Session) Tune(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTuningPending {
		return fmt.Errorf("%w: tune in %s", ErrSessionState, s.state)
	}
	if err := ch.transition(StateTuning); err != nil {
		return err
	}
	if err := s.setStateLocked(StateTuning); err != nil {
		return err
	}
	s.tuning.Store(ch)
	ch.log.Debug().Msg("tuning")
	return nil
}

// ResumeIO re-enables inbound IO stopped by a tuning exchange that did not
// lead to a reset.
func (s *Session) ResumeIO() {
	s.transport.EnableIO()
}

// AbortTuning returns the session and ch to ACTIVE.
func (s *Session) AbortTuning(ch *Channel) error {
	s.mu.Lock()
	if s.state != StateTuningPending && s.state != StateTuning {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: abort tuning in %s", ErrSessionState, state)
	}
	s.tuning.Store(nil)
	err := ch.transition(StateActive)
	if err == nil {
		err = s.setStateLocked(StateActive)
	}
	s.mu.Unlock()
	s.transport.EnableIO()
	return err
}

// Reset replaces the session after a successful tuning exchange. Every
// channel of s is discarded, the transport is kept, and a new session
// carrying props and the negotiated credentials greets the peer over it.
// Reset hooks run once the new session is established.
func (s *Session) Reset(ctx context.Context, props TuningProperties, local, peer Credential) (*Session, error) {
	s.mu.Lock()
	if s.state != StateTuning {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: reset in %s", ErrSessionState, state)
	}
	hooks := append([]ResetFunc(nil), s.onReset...)
	s.mu.Unlock()

	s.transport.DisableIO()
	opts := []Option{
		WithRegistry(s.registry),
		WithCodec(s.codec),
		WithLogger(s.baseLog),
		WithTuningProperties(props),
		WithCredentials(local, peer),
	}
	if s.pool == nil {
		opts = append(opts, WithExecutor(s.exec))
	}
	next, err := New(s.transport, s.role, s.cfg, opts...)
	if err != nil {
		s.abort(err)
		return nil, err
	}
	next.onReset = hooks
	s.finish(StateClosed, nil, false)
	s.log.Info().Str("next", next.ID()).Msg("session reset")

	if err := next.Init(ctx); err != nil {
		return nil, err
	}
	for _, fn := range hooks {
		fn(s, next)
	}
	return next, nil
}
