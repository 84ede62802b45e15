package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/beepmux/internal/dispatch"
	"github.com/danmuck/beepmux/internal/observability"
	"github.com/danmuck/beepmux/internal/protocol"
	"github.com/danmuck/beepmux/internal/protocol/frame"
	"github.com/danmuck/beepmux/internal/protocol/segment"
	"github.com/danmuck/beepmux/internal/protocol/stream"
	"github.com/rs/zerolog"
)

// outbound is a message queued for sending.
type outbound struct {
	typ    frame.Type
	msgno  uint32
	ansno  int32
	out    *stream.OutputStream
	onSent func()
}

// inbound is a request received on the channel. It stays in the table until
// it is both fully received and finally answered.
type inbound struct {
	msgno     uint32
	msg       *Message
	complete  bool
	done      bool
	answering bool
	nextAnsno int32
	parked    []*outbound
	// discard marks piggyback requests whose replies never reach the wire.
	discard bool
}

// request is a MSG sent on the channel that awaits its reply.
type request struct {
	msgno   uint32
	handler Handler
	// inline runs on the read goroutine instead of the channel queue. With
	// whole set it runs once the reply is complete.
	inline func(*Message)
	whole  bool

	reply     *Message
	answering bool
	answers   map[int32]*answer
	finished  map[int32]struct{}
}

type answer struct {
	msg       *Message
	buffered  int
	delivered bool
}

type delivery struct {
	msg     *Message
	request bool
	handler Handler
	inline  func(*Message)
}

// Channel is one flow-controlled message stream within a Session.
type Channel struct {
	s      *Session
	number uint32
	log    zerolog.Logger
	serial *dispatch.Serial
	// seqMu orders SEQ frames so a later advertisement never precedes an
	// earlier one on the wire.
	seqMu sync.Mutex

	mu        sync.Mutex
	state     State
	uri       string
	profile   Profile
	startData string
	handler   Handler
	// closing is set while our own close request is outstanding.
	closing bool

	nextMsgno    uint32
	sentSeq      uint32
	peerWindow   int
	requests     []*request
	pending      []*outbound
	flushing     bool
	flushPending bool

	recvSeq    uint32
	recvWindow int
	recvUsed   int
	recvFreed  int
	inbound    map[uint32]*inbound
	recvQueue  []*inbound
}

func newChannel(s *Session, number uint32, state State) *Channel {
	log := s.log.With().Uint32("channel", number).Logger()
	return &Channel{
		s:          s,
		number:     number,
		log:        log,
		serial:     dispatch.NewSerial(s.exec, log),
		state:      state,
		peerWindow: DefaultWindowSize,
		recvWindow: s.cfg.WindowSize,
		inbound:    make(map[uint32]*inbound),
	}
}

func (c *Channel) Number() uint32    { return c.number }
func (c *Channel) Session() *Session { return c.s }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProfileURI returns the profile the channel was started with.
func (c *Channel) ProfileURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uri
}

// StartData returns the piggyback content exchanged at start: the peer's
// profile reply for a channel started locally, or the requester's data for a
// channel started by the peer.
func (c *Channel) StartData() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startData
}

// SetRequestHandler installs the handler for inbound MSGs. Requests that
// arrive with no handler are answered with an error.
func (c *Channel) SetRequestHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Channel) setStateLocked(to State) error {
	if !channelTransitions.allowed(c.state, to) {
		return fmt.Errorf("%w: channel %d %s -> %s", protocol.ErrIllegalState, c.number, c.state, to)
	}
	if c.state != to {
		c.log.Debug().Stringer("from", c.state).Stringer("to", to).Msg("channel state")
	}
	c.state = to
	return nil
}

func (c *Channel) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(to)
}

// activate completes a start handshake.
func (c *Channel) activate(uri string, p Profile, data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStarting {
		return fmt.Errorf("%w: channel %d is %s", ErrChannelState, c.number, c.state)
	}
	c.uri = uri
	c.profile = p
	c.startData = data
	return c.setStateLocked(StateActive)
}

func (c *Channel) canSendLocked() bool {
	return c.state == StateActive || c.state == StateTuning
}

func (c *Channel) receivingLocked() bool {
	switch c.state {
	case StateActive, StateTuningPending, StateTuning, StateClosePending, StateClosing:
		return true
	}
	return false
}

// busyLocked reports whether any exchange is still in progress.
func (c *Channel) busyLocked() bool {
	return len(c.requests) > 0 || len(c.inbound) > 0 || len(c.recvQueue) > 0 || len(c.pending) > 0
}

// SendMSG queues a request and returns its msgno. Replies are delivered to
// replies on the channel's callback queue; a nil handler discards them.
// SendMSG never waits for window space.
func (c *Channel) SendMSG(out *stream.OutputStream, replies Handler) (uint32, error) {
	if replies == nil {
		replies = Discard
	}
	return c.sendMSG(out, &request{handler: replies})
}

// Request sends a MSG and waits for the first reply. For an ANS exchange
// that is the first answer to start arriving; the remaining answers are
// discarded.
func (c *Channel) Request(ctx context.Context, out *stream.OutputStream) (*Message, error) {
	replies := make(chan *Message, 1)
	var abandoned atomic.Bool
	rq := &request{inline: func(m *Message) {
		if abandoned.Load() {
			m.payload.Close()
			return
		}
		select {
		case replies <- m:
		default:
			m.payload.Close()
		}
	}}
	if _, err := c.sendMSG(out, rq); err != nil {
		return nil, err
	}
	select {
	case m := <-replies:
		return m, nil
	case <-ctx.Done():
		abandoned.Store(true)
		select {
		case m := <-replies:
			m.payload.Close()
		default:
		}
		return nil, ctx.Err()
	case <-c.s.done:
		return nil, c.s.doneErr()
	}
}

func (c *Channel) sendMSG(out *stream.OutputStream, rq *request) (uint32, error) {
	if out == nil {
		out = stream.Empty()
	}
	c.mu.Lock()
	if !c.canSendLocked() {
		state := c.state
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: channel %d is %s", ErrChannelState, c.number, state)
	}
	rq.msgno = c.allocMsgnoLocked()
	c.requests = append(c.requests, rq)
	c.pending = append(c.pending, &outbound{typ: frame.TypeMSG, msgno: rq.msgno, ansno: frame.NoAnsno, out: out})
	c.mu.Unlock()

	out.OnData(c.flush)
	c.flush()
	return rq.msgno, nil
}

func (c *Channel) allocMsgnoLocked() uint32 {
	for {
		n := c.nextMsgno
		c.nextMsgno = (c.nextMsgno + 1) & frame.MaxMsgno
		outstanding := false
		for _, rq := range c.requests {
			if rq.msgno == n {
				outstanding = true
				break
			}
		}
		if !outstanding {
			return n
		}
	}
}

// reply queues an answer to m. Replies are released in the order requests
// arrived, whatever order the application answers them in.
func (c *Channel) reply(m *Message, typ frame.Type, out *stream.OutputStream, onSent func()) (int32, error) {
	if m.req == nil {
		return frame.NoAnsno, ErrNotRequest
	}
	if out == nil {
		out = stream.Empty()
	}
	c.mu.Lock()
	im := m.req
	if im.done {
		c.mu.Unlock()
		return frame.NoAnsno, fmt.Errorf("%w: msgno %d", ErrAlreadyReplied, im.msgno)
	}
	if !im.discard && !c.canSendLocked() {
		state := c.state
		c.mu.Unlock()
		return frame.NoAnsno, fmt.Errorf("%w: channel %d is %s", ErrChannelState, c.number, state)
	}
	ansno := frame.NoAnsno
	switch typ {
	case frame.TypeRPY, frame.TypeERR:
		if im.answering {
			c.mu.Unlock()
			return frame.NoAnsno, fmt.Errorf("%w: msgno %d is being answered with ANS", ErrAlreadyReplied, im.msgno)
		}
		im.done = true
	case frame.TypeANS:
		im.answering = true
		ansno = im.nextAnsno
		im.nextAnsno = (im.nextAnsno + 1) & frame.MaxAnsno
	case frame.TypeNUL:
		im.done = true
	}
	if im.discard {
		c.mu.Unlock()
		return ansno, nil
	}
	im.parked = append(im.parked, &outbound{typ: typ, msgno: im.msgno, ansno: ansno, out: out, onSent: onSent})
	if im.done && im.complete {
		delete(c.inbound, im.msgno)
	}
	c.promoteLocked()
	c.mu.Unlock()

	if typ != frame.TypeANS && c.s.isTuning(c) {
		c.s.transport.DisableIO()
	}
	out.OnData(c.flush)
	c.flush()
	return ansno, nil
}

// promoteLocked moves replies for the oldest requests onto the send queue.
func (c *Channel) promoteLocked() {
	for len(c.recvQueue) > 0 {
		head := c.recvQueue[0]
		if len(head.parked) > 0 {
			c.pending = append(c.pending, head.parked...)
			head.parked = nil
		}
		if !head.done {
			return
		}
		c.recvQueue[0] = nil
		c.recvQueue = c.recvQueue[1:]
	}
}

// flush sends as many frames as the peer's window allows. One goroutine at a
// time holds the flushing token; others leave a note and return.
func (c *Channel) flush() {
	c.mu.Lock()
	if c.flushing {
		c.flushPending = true
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for {
		f, sent, ok := c.nextFrameLocked()
		if !ok {
			if c.flushPending {
				c.flushPending = false
				continue
			}
			c.flushing = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		err := c.s.sendFrame(f)
		if err == nil && sent != nil && sent.onSent != nil {
			sent.onSent()
		}
		c.mu.Lock()
		if err != nil {
			c.flushing = false
			c.mu.Unlock()
			c.s.abort(err)
			return
		}
	}
}

// nextFrameLocked slices the next frame off the head of the send queue. A
// frame carries at most min(max frame size, peer window) bytes and is last
// only once the message is complete and drained.
func (c *Channel) nextFrameLocked() (frame.Frame, *outbound, bool) {
	if c.state.Terminal() || len(c.pending) == 0 {
		return frame.Frame{}, nil, false
	}
	om := c.pending[0]
	avail := om.out.Available()
	if avail == 0 && !om.out.IsComplete() {
		return frame.Frame{}, nil, false
	}
	limit := c.peerWindow
	if maxFrame := c.s.transport.MaxFrameSize(); maxFrame > 0 && maxFrame < limit {
		limit = maxFrame
	}
	if avail > 0 && limit <= 0 {
		return frame.Frame{}, nil, false
	}
	segs := om.out.Next(limit)
	n := segment.Total(segs)
	last := om.out.Drained()
	if n == 0 && !last {
		return frame.Frame{}, nil, false
	}
	f := frame.Frame{
		Type:    om.typ,
		Channel: c.number,
		Msgno:   om.msgno,
		Ansno:   om.ansno,
		Seqno:   c.sentSeq,
		Last:    last,
		Payload: segs,
	}
	c.sentSeq += uint32(n)
	c.peerWindow -= n
	if !last {
		return f, nil, true
	}
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return f, om, true
}

// postSEQ applies a window update from the peer.
func (c *Channel) postSEQ(q frame.SEQ) error {
	c.mu.Lock()
	unacked := c.sentSeq - q.Ackno
	if int32(unacked) < 0 {
		sent := c.sentSeq
		c.mu.Unlock()
		return fmt.Errorf("%w: channel %d ackno %d beyond sent seqno %d", protocol.ErrSequence, c.number, q.Ackno, sent)
	}
	window := int64(q.Window) - int64(unacked)
	if window < 0 {
		window = 0
	}
	c.peerWindow = int(window)
	c.mu.Unlock()

	observability.RecordWindowUpdate("in")
	c.flush()
	return nil
}

// freed credits bytes the application consumed or discarded and advertises
// the window once enough has accumulated.
func (c *Channel) freed(n int) {
	c.mu.Lock()
	c.recvUsed -= n
	if c.recvUsed < 0 {
		c.recvUsed = 0
	}
	c.recvFreed += n
	send := c.recvFreed >= c.s.cfg.WindowUpdateThreshold && !c.state.Terminal()
	c.mu.Unlock()
	if send {
		c.advertiseWindow()
	}
}

func (c *Channel) advertiseWindow() {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	q := frame.SEQ{Channel: c.number, Ackno: c.recvSeq, Window: uint32(c.recvWindow - c.recvUsed)}
	c.recvFreed = 0
	c.mu.Unlock()

	if err := c.s.sendFrame(q); err != nil {
		c.s.abort(err)
		return
	}
	observability.RecordWindowUpdate("out")
}

// terminate ends the channel. A clean close keeps completed payloads
// readable; an abort fails every reader.
func (c *Channel) terminate(final State, cause error) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = final
	var streams []*stream.InputStream
	for _, im := range c.inbound {
		streams = append(streams, im.msg.payload)
	}
	for _, rq := range c.requests {
		if rq.reply != nil {
			streams = append(streams, rq.reply.payload)
		}
		for _, a := range rq.answers {
			streams = append(streams, a.msg.payload)
		}
	}
	c.inbound = make(map[uint32]*inbound)
	c.recvQueue = nil
	c.requests = nil
	c.pending = nil
	c.mu.Unlock()

	c.serial.Close()
	err := cause
	if err == nil {
		err = fmt.Errorf("%w: channel %d is %s", ErrChannelState, c.number, final)
	}
	for _, in := range streams {
		if final == StateAborted || !in.IsComplete() {
			in.Abort(err)
		}
	}
	c.log.Debug().Stringer("from", from).Stringer("to", final).Msg("channel finished")
	return true
}
