package session

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/beepmux/internal/dispatch"
	"github.com/danmuck/beepmux/internal/logging"
	"github.com/danmuck/beepmux/internal/observability"
	"github.com/danmuck/beepmux/internal/protocol"
	"github.com/danmuck/beepmux/internal/protocol/control"
	"github.com/danmuck/beepmux/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one BEEP session over a Transport.
type Session struct {
	id        uuid.UUID
	role      Role
	cfg       Config
	transport Transport
	registry  *ProfileRegistry
	codec     control.Codec
	exec      dispatch.Executor
	pool      *dispatch.Pool
	baseLog   zerolog.Logger
	log       zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	zero      *Channel
	tuning    atomic.Pointer[Channel]
	greeted   chan struct{}
	done      chan struct{}

	mu          sync.Mutex
	state       State
	channels    map[uint32]*Channel
	orphans     map[uint32]struct{}
	nextChannel uint32
	peer        control.Greeting
	props       TuningProperties
	localCred   Credential
	peerCred    Credential
	onReset     []ResetFunc
	err         error
}

type Option func(*Session)

// WithRegistry sets the profiles this peer offers and accepts.
func WithRegistry(r *ProfileRegistry) Option {
	return func(s *Session) { s.registry = r }
}

// WithCodec replaces the channel-zero element codec.
func WithCodec(c control.Codec) Option {
	return func(s *Session) { s.codec = c }
}

// WithExecutor runs callbacks on e instead of a pool owned by the session.
func WithExecutor(e dispatch.Executor) Option {
	return func(s *Session) { s.exec = e }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.baseLog = l }
}

func WithTuningProperties(p TuningProperties) Option {
	return func(s *Session) { s.props = p.Clone() }
}

func WithCredentials(local, peer Credential) Option {
	return func(s *Session) {
		s.localCred = local
		s.peerCred = peer
	}
}

// New builds a session in the INITIALIZED state. Call Init to exchange
// greetings.
func New(t Transport, role Role, cfg Config, opts ...Option) (*Session, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:          uuid.New(),
		role:        role,
		cfg:         cfg,
		transport:   t,
		registry:    NewProfileRegistry(),
		codec:       control.XMLCodec{},
		baseLog:     logging.Component("session"),
		greeted:     make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateInitialized,
		channels:    make(map[uint32]*Channel),
		orphans:     make(map[uint32]struct{}),
		nextChannel: role.firstChannel(),
		props:       TuningProperties{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewProfileRegistry()
	}
	s.log = s.baseLog.With().Str("session", s.id.String()).Stringer("role", role).Logger()
	if s.exec == nil {
		s.pool = dispatch.NewPool(cfg.Workers, s.log)
		s.exec = s.pool
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Init sends the local greeting, enables inbound IO and waits for the peer's
// greeting. Failure aborts the session.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: init in %s", ErrSessionState, state)
	}
	zero := newChannel(s, 0, StateActive)
	zero.handler = HandlerFunc(s.handleControl)
	zero.nextMsgno = 1
	zero.requests = []*request{{msgno: 0, whole: true, inline: s.completeGreeting}}
	greeting := zero.seedRequestLocked(0)
	s.zero = zero
	s.channels[0] = zero
	s.mu.Unlock()

	if err := s.replyControl(greeting, s.localGreeting(), nil); err != nil {
		s.abort(err)
		return err
	}
	if err := s.transition(StateGreetingSent); err != nil {
		return err
	}
	s.transport.Bind(s)
	s.transport.EnableIO()

	timer := time.NewTimer(s.cfg.GreetingTimeout)
	defer timer.Stop()
	select {
	case <-s.greeted:
	case <-timer.C:
		s.abort(ErrGreetingTimeout)
		return ErrGreetingTimeout
	case <-ctx.Done():
		s.abort(ctx.Err())
		return ctx.Err()
	case <-s.done:
		return s.doneErr()
	}
	if s.cfg.WindowSize != DefaultWindowSize {
		zero.advertiseWindow()
	}
	s.log.Info().Strs("peer_profiles", s.PeerProfiles()).Msg("session established")
	return nil
}

func (s *Session) localGreeting() control.Greeting {
	g := control.Greeting{
		Features: strings.Join(s.cfg.Features, " "),
		Localize: strings.Join(s.cfg.Localize, " "),
	}
	for _, uri := range s.registry.URIs() {
		g.Profiles = append(g.Profiles, control.Profile{URI: uri})
	}
	return g
}

// completeGreeting runs on the read goroutine when the peer's greeting
// reply is complete.
func (s *Session) completeGreeting(m *Message) {
	el, err := s.readControl(m)
	if err == nil {
		switch e := el.(type) {
		case control.Greeting:
			s.mu.Lock()
			s.peer = e
			err = s.setStateLocked(StateActive)
			s.mu.Unlock()
			if err == nil {
				close(s.greeted)
				return
			}
		case control.Error:
			err = e.Err()
		default:
			err = protocol.Errorf(protocol.CodeGeneralSyntaxError, "expected greeting, got <%s>", control.Name(el))
		}
	}
	s.abort(fmt.Errorf("session: greeting failed: %w", err))
}

// PostFrame is the transport's entry point for every decoded unit. An
// error has already aborted the session.
func (s *Session) PostFrame(u frame.Unit) error {
	s.mu.Lock()
	state := s.state
	ch := s.channels[u.ChannelNumber()]
	_, orphan := s.orphans[u.ChannelNumber()]
	s.mu.Unlock()
	if state.Terminal() {
		return fmt.Errorf("%w: frame after session %s", ErrSessionState, state)
	}

	var err error
	switch {
	case ch == nil && orphan:
		s.log.Debug().Uint32("channel", u.ChannelNumber()).Msg("dropped frame for abandoned channel")
	case ch == nil:
		err = fmt.Errorf("%w: %d", protocol.ErrUnknownChannel, u.ChannelNumber())
	case state == StateGreetingSent && !greetingUnit(u):
		err = fmt.Errorf("%w: %s before greeting", protocol.ErrIllegalState, u)
	default:
		switch v := u.(type) {
		case frame.Frame:
			observability.RecordFrame("in", v.Type.String(), v.Size())
			s.log.Trace().Stringer("frame", v).Msg("recv")
			err = ch.postFrame(v)
		case frame.SEQ:
			s.log.Trace().Stringer("seq", v).Msg("recv")
			err = ch.postSEQ(v)
		}
	}
	if err != nil {
		s.abort(err)
	}
	return err
}

func greetingUnit(u frame.Unit) bool {
	if u.ChannelNumber() != 0 {
		return false
	}
	switch v := u.(type) {
	case frame.SEQ:
		return true
	case frame.Frame:
		return v.Type == frame.TypeRPY || v.Type == frame.TypeERR
	}
	return false
}

// TransportClosed aborts the session unless it already ended.
func (s *Session) TransportClosed(err error) {
	if s.State().Terminal() {
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.abort(fmt.Errorf("%w: %w", ErrTransportClosed, err))
}

func (s *Session) sendFrame(u frame.Unit) error {
	if err := s.transport.SendFrame(u); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	switch v := u.(type) {
	case frame.Frame:
		observability.RecordFrame("out", v.Type.String(), v.Size())
		s.log.Trace().Stringer("frame", v).Msg("sent")
	case frame.SEQ:
		s.log.Trace().Stringer("seq", v).Msg("sent")
	}
	return nil
}

func (s *Session) setStateLocked(to State) error {
	if !sessionTransitions.allowed(s.state, to) {
		return fmt.Errorf("%w: session %s -> %s", protocol.ErrIllegalState, s.state, to)
	}
	if s.state != to {
		s.log.Debug().Stringer("from", s.state).Stringer("to", to).Msg("session state")
	}
	s.state = to
	return nil
}

// transition applies a state change, aborting the session when the change
// is not allowed.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	err := s.setStateLocked(to)
	s.mu.Unlock()
	if err != nil {
		s.abort(err)
	}
	return err
}

func (s *Session) abort(err error) {
	if s.finish(StateAborted, err, true) {
		s.log.Warn().Err(err).Msg("session aborted")
	}
}

// Terminate aborts the session immediately without negotiating with the
// peer. It returns any error from releasing the transport.
func (s *Session) Terminate(reason string) error {
	cause := fmt.Errorf("%w: %s", ErrTerminated, reason)
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		return nil
	}
	if !s.finish(StateAborted, cause, false) {
		return nil
	}
	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// finish moves the session to a terminal state and tears down every
// channel. It reports whether this call performed the transition.
func (s *Session) finish(final State, cause error, closeTransport bool) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = final
	s.err = cause
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[uint32]*Channel)
	close(s.done)
	s.mu.Unlock()

	s.tuning.Store(nil)
	s.cancel()
	chState := StateClosed
	if final == StateAborted {
		chState = StateAborted
	}
	for _, ch := range channels {
		ch.terminate(chState, cause)
	}
	if closeTransport {
		if err := s.transport.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close transport")
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	observability.RecordSession(s.role.String(), final.String())
	s.log.Debug().Stringer("from", from).Stringer("to", final).Msg("session finished")
	return true
}

// doneErr explains why a session ended.
func (s *Session) doneErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return fmt.Errorf("%w: session %s", ErrSessionState, s.state)
}

// waitReply waits for a channel-zero waiter, a timeout, ctx or the end of
// the session. A zero timeout waits for ctx alone.
func (s *Session) waitReply(ctx context.Context, res <-chan error, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case err := <-res:
		return err
	case <-expired:
		return ErrReplyTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-res:
			return err
		default:
			return s.doneErr()
		}
	}
}

func (s *Session) isTuning(c *Channel) bool {
	return s.tuning.Load() == c
}

func (s *Session) ID() string     { return s.id.String() }
func (s *Session) Role() Role     { return s.role }
func (s *Session) Config() Config { return s.cfg }

func (s *Session) Registry() *ProfileRegistry { return s.registry }

// Done is closed once the session is CLOSED or ABORTED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause of an abort, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns an open channel by number.
func (s *Session) Channel(n uint32) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[n]
}

// Channels returns the open channels ordered by number, channel zero first.
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	list := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		list = append(list, ch)
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].number < list[j].number
	})
	return list
}

// PeerProfiles lists the profiles advertised in the peer's greeting.
func (s *Session) PeerProfiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer.URIs()
}

func (s *Session) PeerFeatures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Fields(s.peer.Features)
}

func (s *Session) PeerLocalize() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Fields(s.peer.Localize)
}
