package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/danmuck/beepmux/internal/observability"
	"github.com/danmuck/beepmux/internal/protocol"
	"github.com/danmuck/beepmux/internal/protocol/control"
	"github.com/danmuck/beepmux/internal/protocol/frame"
	"github.com/danmuck/beepmux/internal/protocol/mime"
	"github.com/danmuck/beepmux/internal/protocol/stream"
)

// ProfileOffer is one candidate profile in a start request.
type ProfileOffer struct {
	URI  string
	Data string
	// Base64 forces the data to be sent base64-encoded. Data that cannot be
	// carried as CDATA is always encoded.
	Base64 bool
}

func (s *Session) controlStream(el control.Element) (*stream.OutputStream, error) {
	body, err := s.codec.Marshal(el)
	if err != nil {
		return nil, err
	}
	return stream.FromBytes(mime.NewContentType(mime.BEEPXML), body), nil
}

// errorStream renders e as an error element.
func (s *Session) errorStream(e *protocol.Error) *stream.OutputStream {
	out, err := s.controlStream(control.FromError(e))
	if err != nil {
		out, _ = s.controlStream(control.Error{Code: int(protocol.CodeTransactionFailed), Diagnostic: e.Diagnostic})
	}
	return out
}

// readControl decodes a channel-zero payload.
func (s *Session) readControl(m *Message) (control.Element, error) {
	ctx := m.Context()
	headers, err := m.Payload().Headers(ctx)
	if err != nil {
		m.Payload().Close()
		return nil, protocol.Errorf(protocol.CodeGeneralSyntaxError, "control headers: %v", err)
	}
	body, err := m.Payload().ReadAll(ctx)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeGeneralSyntaxError, "control body: %v", err)
	}
	if ct := headers.ContentType(); !strings.EqualFold(mediaType(ct), mime.BEEPXML) {
		return nil, protocol.Errorf(protocol.CodeSyntaxErrorInParameters, "unexpected content type %q", ct)
	}
	el, err := s.codec.Unmarshal(body)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeGeneralSyntaxError, "%v", err)
	}
	return el, nil
}

func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func (s *Session) replyControl(m *Message, el control.Element, onSent func()) error {
	out, err := s.controlStream(el)
	if err != nil {
		return err
	}
	typ := frame.TypeRPY
	if _, ok := el.(control.Error); ok {
		typ = frame.TypeERR
	}
	_, err = m.ch.reply(m, typ, out, onSent)
	return err
}

// handleControl serves requests the peer sends on channel zero.
func (s *Session) handleControl(m *Message) error {
	el, err := s.readControl(m)
	if err != nil {
		return err
	}
	switch e := el.(type) {
	case control.Start:
		return s.acceptStart(m, e)
	case control.Close:
		if e.Number == 0 {
			return s.acceptSessionClose(m, e)
		}
		return s.acceptPeerClose(m, e)
	default:
		return protocol.Errorf(protocol.CodeGeneralSyntaxError, "unexpected <%s> request", control.Name(el))
	}
}

// StartChannel asks the peer to open a channel with the first profile it
// supports among offers. Replies to requests sent on the new channel go to
// their own handlers; inbound requests go to handler.
func (s *Session) StartChannel(ctx context.Context, handler Handler, offers ...ProfileOffer) (*Channel, error) {
	if len(offers) == 0 {
		return nil, ErrNoProfiles
	}
	start := control.Start{ServerName: s.cfg.ServerName}
	for _, o := range offers {
		if err := ValidateURI(o.URI); err != nil {
			return nil, err
		}
		start.Profiles = append(start.Profiles, control.NewProfile(o.URI, o.Data, o.Base64 || !control.CDATASafe(o.Data)))
	}

	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: start channel in %s", ErrSessionState, state)
	}
	n, err := s.allocChannelLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ch := newChannel(s, n, StateInitialized)
	ch.handler = handler
	_ = ch.setStateLocked(StateStarting)
	s.channels[n] = ch
	s.mu.Unlock()

	start.Number = n
	out, err := s.controlStream(start)
	if err != nil {
		s.discardChannel(ch, err)
		return nil, err
	}
	res := make(chan error, 1)
	rq := &request{whole: true, inline: func(m *Message) {
		res <- s.completeStart(ch, m, start)
	}}
	if _, err := s.zero.sendMSG(out, rq); err != nil {
		s.discardChannel(ch, err)
		return nil, err
	}
	ch.log.Debug().Strs("offers", start.URIs()).Msg("start requested")

	if err := s.waitReply(ctx, res, s.cfg.StartTimeout); err != nil {
		if !s.cancelStart(ch, err) && ch.State() == StateActive {
			return ch, nil
		}
		return nil, err
	}
	return ch, nil
}

// completeStart runs on the read goroutine with the peer's answer to a start
// request so the channel is active before any frame for it is read.
func (s *Session) completeStart(ch *Channel, m *Message, start control.Start) error {
	el, err := s.readControl(m)
	if err != nil {
		s.cancelStart(ch, err)
		return err
	}
	switch e := el.(type) {
	case control.Profile:
		if !offered(start, e.URI) {
			err := protocol.Errorf(protocol.CodeParameterInvalid, "peer chose %q which was not offered", e.URI)
			s.cancelStart(ch, err)
			return err
		}
		data, err := e.Data()
		if err != nil {
			s.cancelStart(ch, err)
			return err
		}
		if err := ch.activate(e.URI, s.registry.Lookup(e.URI), data); err != nil {
			ch.log.Warn().Err(err).Str("profile", e.URI).Msg("late start reply, closing channel")
			s.closeOrphan(ch.number)
			return err
		}
		observability.RecordChannel(e.URI, "started")
		ch.log.Info().Str("profile", e.URI).Msg("channel started")
		if s.cfg.WindowSize != DefaultWindowSize {
			ch.advertiseWindow()
		}
		return nil
	case control.Error:
		err := e.Err()
		s.cancelStart(ch, err)
		return err
	default:
		err := protocol.Errorf(protocol.CodeGeneralSyntaxError, "expected profile, got <%s>", control.Name(el))
		s.cancelStart(ch, err)
		return err
	}
}

func offered(start control.Start, uri string) bool {
	for _, p := range start.Profiles {
		if p.URI == uri {
			return true
		}
	}
	return false
}

// cancelStart aborts a channel still waiting for its start reply. It reports
// false when the channel has already left STARTING.
func (s *Session) cancelStart(ch *Channel, cause error) bool {
	ch.mu.Lock()
	if ch.state != StateStarting {
		ch.mu.Unlock()
		return false
	}
	ch.state = StateAborted
	ch.mu.Unlock()
	ch.serial.Close()
	s.removeChannel(ch)
	ch.log.Debug().Err(cause).Msg("start abandoned")
	return true
}

// allocChannelLocked picks the next free channel number of the local
// parity.
func (s *Session) allocChannelLocked() (uint32, error) {
	for i := 0; i < math.MaxInt32/2; i++ {
		n := s.nextChannel
		s.nextChannel += 2
		if s.nextChannel > math.MaxInt32 {
			s.nextChannel = s.role.firstChannel()
		}
		_, used := s.channels[n]
		_, orphan := s.orphans[n]
		if !used && !orphan {
			return n, nil
		}
	}
	return 0, protocol.NewError(protocol.CodeRequestedActionRejected, "no free channel numbers")
}

// acceptStart answers a peer's start request.
func (s *Session) acceptStart(m *Message, req control.Start) error {
	n := req.Number
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "session is %s", state)
	}
	if s.role.owns(n) {
		s.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "channel %d has the wrong parity", n)
	}
	if _, used := s.channels[n]; used {
		s.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "channel %d already in use", n)
	}
	var (
		offer   control.Profile
		profile Profile
	)
	for _, o := range req.Profiles {
		if p := s.registry.Lookup(o.URI); p != nil {
			offer, profile = o, p
			break
		}
	}
	if profile == nil {
		s.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "no supported profile among %s", strings.Join(req.URIs(), " "))
	}
	ch := newChannel(s, n, StateInitialized)
	_ = ch.setStateLocked(StateStarting)
	s.channels[n] = ch
	s.mu.Unlock()

	data, err := offer.Data()
	if err != nil {
		s.discardChannel(ch, err)
		return protocol.Errorf(protocol.CodeSyntaxErrorInParameters, "%v", err)
	}
	content, err := profile.StartChannel(ch, StartRequest{URI: offer.URI, ServerName: req.ServerName, Data: data})
	if err != nil {
		s.discardChannel(ch, err)
		return refusal(err)
	}
	if err := ch.activate(offer.URI, profile, data); err != nil {
		s.discardChannel(ch, err)
		return err
	}
	reply := control.NewProfile(offer.URI, content, !control.CDATASafe(content))
	var onSent func()
	if s.cfg.WindowSize != DefaultWindowSize {
		onSent = ch.advertiseWindow
	}
	if err := s.replyControl(m, reply, onSent); err != nil {
		s.discardChannel(ch, err)
		return err
	}
	observability.RecordChannel(offer.URI, "accepted")
	ch.log.Info().Str("profile", offer.URI).Msg("channel accepted")
	if content == "" && data != "" {
		ch.deliverPiggyback(data)
	}
	return nil
}

// refusal turns a profile error into a negotiated error.
func refusal(err error) *protocol.Error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	return protocol.NewError(protocol.CodeRequestedActionRejected, err.Error())
}

func (s *Session) discardChannel(ch *Channel, cause error) {
	ch.terminate(StateAborted, cause)
	s.removeChannel(ch)
}

func (s *Session) removeChannel(ch *Channel) {
	s.mu.Lock()
	if s.channels[ch.number] == ch {
		delete(s.channels, ch.number)
	}
	s.mu.Unlock()
}

// Close asks the peer to close the channel. The profile may veto before
// anything is sent. On refusal the channel stays ACTIVE. Closing channel
// zero closes the session.
func (c *Channel) Close(ctx context.Context, code protocol.Code) error {
	if c.number == 0 {
		return c.s.Close(ctx, code)
	}
	c.mu.Lock()
	if c.state != StateActive {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: close channel %d in %s", ErrChannelState, c.number, state)
	}
	p := c.profile
	c.mu.Unlock()
	if p != nil {
		if err := p.CloseChannel(c); err != nil {
			c.log.Debug().Err(err).Msg("close vetoed")
			return err
		}
	}
	c.mu.Lock()
	if err := c.setStateLocked(StateClosePending); err != nil {
		c.mu.Unlock()
		return err
	}
	c.closing = true
	c.mu.Unlock()
	err := c.s.requestClose(ctx, control.Close{Number: c.number, Code: int(code)}, c.finishClose)
	c.mu.Lock()
	c.closing = false
	state := c.state
	if err != nil && state == StateClosePending {
		_ = c.setStateLocked(StateActive)
	}
	c.mu.Unlock()
	if err != nil && (state == StateClosing || state == StateClosed) {
		// the peer's own close crossed ours
		c.log.Debug().Err(err).Msg("close crossed")
		return nil
	}
	return err
}

// finishClose tears the channel down once both sides agreed to close it.
func (c *Channel) finishClose() {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	uri := c.uri
	err := c.setStateLocked(StateClosing)
	c.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Msg("close")
	}
	if !c.terminate(StateClosed, nil) {
		return
	}
	c.s.removeChannel(c)
	observability.RecordChannel(uri, "closed")
	c.log.Info().Str("profile", uri).Msg("channel closed")
}

// requestClose sends a close element on channel zero and waits for the
// answer. onOK runs on the read goroutine when the peer agrees.
func (s *Session) requestClose(ctx context.Context, req control.Close, onOK func()) error {
	out, err := s.controlStream(req)
	if err != nil {
		return err
	}
	res := make(chan error, 1)
	rq := &request{whole: true, inline: func(m *Message) {
		el, err := s.readControl(m)
		if err == nil {
			switch e := el.(type) {
			case control.OK:
				onOK()
			case control.Error:
				err = e.Err()
			default:
				err = protocol.Errorf(protocol.CodeGeneralSyntaxError, "expected ok, got <%s>", control.Name(el))
			}
		}
		res <- err
	}}
	if _, err := s.zero.sendMSG(out, rq); err != nil {
		return err
	}
	return s.waitReply(ctx, res, s.cfg.CloseTimeout)
}

// closeOrphan asks the peer to close a channel it started after we gave up
// on the start request. Frames for it are dropped until the peer agrees.
func (s *Session) closeOrphan(number uint32) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.orphans[number] = struct{}{}
	s.mu.Unlock()
	go func() {
		err := s.requestClose(s.ctx, control.Close{Number: number, Code: int(protocol.CodeSuccess)}, func() {
			s.dropOrphan(number)
		})
		if err != nil {
			s.log.Warn().Err(err).Uint32("channel", number).Msg("close abandoned channel")
		}
	}()
}

// dropOrphan forgets an abandoned channel. It reports whether number was one.
func (s *Session) dropOrphan(number uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.orphans[number]
	delete(s.orphans, number)
	return ok
}

// acceptPeerClose answers a peer's request to close one channel.
func (s *Session) acceptPeerClose(m *Message, req control.Close) error {
	ch := s.Channel(req.Number)
	if ch == nil && s.dropOrphan(req.Number) {
		return s.replyControl(m, control.OK{}, nil)
	}
	if ch == nil {
		return protocol.Errorf(protocol.CodeParameterInvalid, "channel %d is not open", req.Number)
	}
	ch.mu.Lock()
	if ch.state == StateClosePending && ch.closing {
		// both sides asked at once; our request already passed the veto
		_ = ch.setStateLocked(StateClosing)
		ch.mu.Unlock()
		ch.log.Debug().Msg("peer close crossed ours")
		return s.replyControl(m, control.OK{}, ch.finishClose)
	}
	if ch.state != StateActive {
		state := ch.state
		ch.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "channel %d is %s", req.Number, state)
	}
	if ch.busyLocked() {
		ch.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "channel %d has exchanges in progress", req.Number)
	}
	p := ch.profile
	_ = ch.setStateLocked(StateClosePending)
	ch.mu.Unlock()

	if p != nil {
		if err := p.CloseChannel(ch); err != nil {
			_ = ch.transition(StateActive)
			return refusal(err)
		}
	}
	return s.replyControl(m, control.OK{}, ch.finishClose)
}

// Close asks the peer to close the session. Every application channel must
// be closed first.
func (s *Session) Close(ctx context.Context, code protocol.Code) error {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: close in %s", ErrSessionState, state)
	}
	if open := len(s.channels) - 1; open > 0 {
		s.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "%d channels still open", open)
	}
	_ = s.setStateLocked(StateClosePending)
	s.mu.Unlock()

	err := s.requestClose(ctx, control.Close{Code: int(code)}, func() {
		s.finish(StateClosed, nil, true)
	})
	if err != nil {
		s.mu.Lock()
		state := s.state
		if state == StateClosePending {
			_ = s.setStateLocked(StateActive)
		}
		s.mu.Unlock()
		if state == StateClosed {
			// the peer's own close crossed ours
			return nil
		}
		return err
	}
	s.log.Info().Msg("session closed")
	return nil
}

// acceptSessionClose answers a peer's request to close the session.
func (s *Session) acceptSessionClose(m *Message, _ control.Close) error {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateClosePending {
		state := s.state
		s.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "session is %s", state)
	}
	if open := len(s.channels) - 1; open > 0 {
		s.mu.Unlock()
		return protocol.Errorf(protocol.CodeRequestedActionRejected, "%d channels still open", open)
	}
	_ = s.setStateLocked(StateClosing)
	s.mu.Unlock()

	return s.replyControl(m, control.OK{}, func() {
		s.finish(StateClosed, nil, true)
		s.log.Info().Msg("session closed by peer")
	})
}
