package session

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/danmuck/beepmux/internal/observability"
	"github.com/danmuck/beepmux/internal/protocol"
	"github.com/danmuck/beepmux/internal/protocol/frame"
	"github.com/danmuck/beepmux/internal/protocol/mime"
	"github.com/danmuck/beepmux/internal/protocol/stream"
)

// postFrame validates f against the channel's sequencing and window state
// and folds its payload into the matching message. Any error is fatal to
// the session.
func (c *Channel) postFrame(f frame.Frame) error {
	size := f.Size()

	c.mu.Lock()
	if !c.receivingLocked() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s frame on channel %d in state %s", protocol.ErrIllegalState, f.Type, c.number, state)
	}
	var err error
	if f.Type == frame.TypeMSG {
		err = c.checkRequestLocked(f)
	} else {
		err = c.checkReplyLocked(f)
	}
	if err == nil && f.Seqno != c.recvSeq {
		err = fmt.Errorf("%w: channel %d expected seqno %d, got %d", protocol.ErrSequence, c.number, c.recvSeq, f.Seqno)
	}
	if err == nil && c.recvUsed+size > c.recvWindow {
		err = fmt.Errorf("%w: channel %d holds %d of %d bytes, frame carries %d",
			protocol.ErrWindowExceeded, c.number, c.recvUsed, c.recvWindow, size)
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}

	c.recvSeq += uint32(size)
	c.recvUsed += size
	var (
		target     *stream.InputStream
		deliveries []delivery
	)
	if f.Type == frame.TypeMSG {
		target, deliveries = c.applyRequestLocked(f)
	} else {
		target, deliveries = c.applyReplyLocked(f, size)
	}
	c.mu.Unlock()

	if target != nil {
		c.fill(target, f)
	}
	if f.Last && f.Type != frame.TypeANS && c.s.isTuning(c) {
		c.s.transport.DisableIO()
	}
	for _, d := range deliveries {
		c.deliver(d)
	}
	return nil
}

func (c *Channel) checkRequestLocked(f frame.Frame) error {
	if im, ok := c.inbound[f.Msgno]; ok && im.complete {
		return fmt.Errorf("%w: channel %d msgno %d", protocol.ErrDuplicateMsgno, c.number, f.Msgno)
	}
	return nil
}

// checkReplyLocked enforces that replies arrive for the oldest outstanding
// request and that a reply keeps its type across fragments.
func (c *Channel) checkReplyLocked(f frame.Frame) error {
	if len(c.requests) == 0 || c.requests[0].msgno != f.Msgno {
		return fmt.Errorf("%w: %s msgno %d on channel %d", protocol.ErrUnexpectedReply, f.Type, f.Msgno, c.number)
	}
	rq := c.requests[0]
	switch f.Type {
	case frame.TypeRPY, frame.TypeERR:
		if rq.answering || (rq.reply != nil && rq.reply.typ != f.Type) {
			return fmt.Errorf("%w: %s for msgno %d on channel %d", protocol.ErrFrameTypeChanged, f.Type, f.Msgno, c.number)
		}
	case frame.TypeANS:
		if rq.reply != nil {
			return fmt.Errorf("%w: ANS for msgno %d on channel %d", protocol.ErrFrameTypeChanged, f.Msgno, c.number)
		}
		if _, done := rq.finished[f.Ansno]; done {
			return fmt.Errorf("%w: ansno %d for msgno %d already complete", protocol.ErrUnexpectedReply, f.Ansno, f.Msgno)
		}
	case frame.TypeNUL:
		if rq.reply != nil {
			return fmt.Errorf("%w: NUL for msgno %d on channel %d", protocol.ErrFrameTypeChanged, f.Msgno, c.number)
		}
		if len(rq.answers) > 0 {
			return fmt.Errorf("%w: NUL for msgno %d with %d answers incomplete", protocol.ErrUnexpectedReply, f.Msgno, len(rq.answers))
		}
	}
	return nil
}

// applyRequestLocked records a MSG fragment. A new request is dispatched on
// its first fragment so its handler can stream a payload larger than the
// window.
func (c *Channel) applyRequestLocked(f frame.Frame) (*stream.InputStream, []delivery) {
	var out []delivery
	im := c.inbound[f.Msgno]
	if im == nil {
		im = &inbound{msgno: f.Msgno}
		im.msg = c.newMessage(frame.TypeMSG, f.Msgno, frame.NoAnsno)
		im.msg.req = im
		c.inbound[f.Msgno] = im
		c.recvQueue = append(c.recvQueue, im)
		out = append(out, delivery{msg: im.msg, request: true})
	}
	if f.Last {
		im.complete = true
		if im.done {
			delete(c.inbound, im.msgno)
		}
	}
	return im.msg.payload, out
}

// applyReplyLocked records a reply fragment. RPY and ERR are delivered on
// their first fragment, ANS once its own last fragment arrives (or once it
// fills half the window), NUL when it arrives.
func (c *Channel) applyReplyLocked(f frame.Frame, size int) (*stream.InputStream, []delivery) {
	rq := c.requests[0]
	switch f.Type {
	case frame.TypeRPY, frame.TypeERR:
		first := rq.reply == nil
		if first {
			rq.reply = c.newMessage(f.Type, f.Msgno, frame.NoAnsno)
		}
		var out []delivery
		if (first && !rq.whole) || (f.Last && rq.whole) {
			out = append(out, rq.deliver(rq.reply))
		}
		target := rq.reply.payload
		if f.Last {
			c.popRequestLocked()
		}
		return target, out

	case frame.TypeANS:
		rq.answering = true
		if rq.answers == nil {
			rq.answers = make(map[int32]*answer)
			rq.finished = make(map[int32]struct{})
		}
		a := rq.answers[f.Ansno]
		if a == nil {
			a = &answer{msg: c.newMessage(frame.TypeANS, f.Msgno, f.Ansno)}
			rq.answers[f.Ansno] = a
		}
		a.buffered += size
		var out []delivery
		if !a.delivered && (f.Last || (!rq.whole && a.buffered >= c.recvWindow/2)) {
			a.delivered = true
			out = append(out, rq.deliver(a.msg))
		}
		if f.Last {
			delete(rq.answers, f.Ansno)
			rq.finished[f.Ansno] = struct{}{}
		}
		return a.msg.payload, out

	default:
		m := c.newMessage(frame.TypeNUL, f.Msgno, frame.NoAnsno)
		m.payload = stream.NewCompleteInput(nil)
		c.popRequestLocked()
		return nil, []delivery{rq.deliver(m)}
	}
}

func (rq *request) deliver(m *Message) delivery {
	return delivery{msg: m, handler: rq.handler, inline: rq.inline}
}

func (c *Channel) popRequestLocked() {
	c.requests[0] = nil
	c.requests = c.requests[1:]
}

func (c *Channel) newMessage(typ frame.Type, msgno uint32, ansno int32) *Message {
	return &Message{
		ch:      c,
		typ:     typ,
		msgno:   msgno,
		ansno:   ansno,
		payload: stream.NewInputStream(c.freed),
	}
}

// seedRequestLocked registers an already-received request. Channel zero
// uses it to answer the implicit greeting exchange.
func (c *Channel) seedRequestLocked(msgno uint32) *Message {
	im := &inbound{msgno: msgno, complete: true}
	im.msg = &Message{ch: c, typ: frame.TypeMSG, msgno: msgno, ansno: frame.NoAnsno, payload: stream.NewCompleteInput(nil), req: im}
	c.inbound[msgno] = im
	c.recvQueue = append(c.recvQueue, im)
	return im.msg
}

// deliverPiggyback hands start data to the request handler as a synthetic
// first request. Its replies are dropped.
func (c *Channel) deliverPiggyback(data string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	im := &inbound{complete: true, discard: true}
	payload := append(mime.New().Bytes(), data...)
	im.msg = &Message{ch: c, typ: frame.TypeMSG, ansno: frame.NoAnsno, payload: stream.NewCompleteInput(payload), req: im}
	c.deliver(delivery{msg: im.msg, request: true})
}

func (c *Channel) deliver(d delivery) {
	if d.inline != nil {
		d.inline(d.msg)
		return
	}
	if !c.serial.Submit(func() { c.invoke(d) }) {
		d.msg.payload.Close()
	}
}

func (c *Channel) invoke(d delivery) {
	if d.request {
		c.invokeRequest(d.msg)
		return
	}
	if d.handler == nil {
		d.msg.payload.Close()
		return
	}
	if err := c.call(d.handler, d.msg, "reply"); err != nil {
		c.log.Warn().Err(err).Stringer("type", d.msg.typ).Uint32("msgno", d.msg.msgno).Msg("reply handler failed")
	}
}

var noRequestHandler = HandlerFunc(func(m *Message) error {
	m.Payload().Close()
	return protocol.NewError(protocol.CodeServiceNotAvailable, "no request handler on channel")
})

func (c *Channel) invokeRequest(m *Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		h = noRequestHandler
	}
	err := c.call(h, m, "request")
	if err == nil {
		return
	}
	c.mu.Lock()
	replied := m.req.done || m.req.answering
	c.mu.Unlock()
	if replied {
		c.log.Warn().Err(err).Uint32("msgno", m.msgno).Msg("request handler failed after replying")
		return
	}
	if serr := m.SendError(err); serr != nil {
		c.log.Warn().Err(serr).Uint32("msgno", m.msgno).Msg("send error reply")
	}
}

// call runs h, turning a panic into a transaction-failed error.
func (c *Channel) call(h Handler, m *Message, kind string) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Str("kind", kind).
				Msg("handler panicked")
			err = protocol.Errorf(protocol.CodeTransactionFailed, "handler panic: %v", r)
		}
		observability.RecordCallback(kind, time.Since(start), err != nil)
	}()
	return h.Handle(m)
}

// fill appends the frame's payload to target. Bytes the stream refuses are
// credited back to the receive window.
func (c *Channel) fill(target *stream.InputStream, f frame.Frame) {
	for _, seg := range f.Payload {
		if err := target.Add(seg); err != nil {
			c.log.Debug().Err(err).Int("bytes", seg.Len()).Msg("payload discarded")
			c.freed(seg.Len())
		}
	}
	if f.Last {
		target.SetComplete()
	}
}
