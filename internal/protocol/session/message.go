package session

import (
	"context"

	"github.com/danmuck/beepmux/internal/protocol"
	"github.com/danmuck/beepmux/internal/protocol/control"
	"github.com/danmuck/beepmux/internal/protocol/frame"
	"github.com/danmuck/beepmux/internal/protocol/stream"
)

// Message is one inbound logical message: a request, or one reply to a
// request sent on the channel.
type Message struct {
	ch      *Channel
	typ     frame.Type
	msgno   uint32
	ansno   int32
	payload *stream.InputStream
	req     *inbound
}

func (m *Message) Type() frame.Type             { return m.typ }
func (m *Message) Msgno() uint32                { return m.msgno }
func (m *Message) Ansno() int32                 { return m.ansno }
func (m *Message) Channel() *Channel            { return m.ch }
func (m *Message) Payload() *stream.InputStream { return m.payload }
func (m *Message) Context() context.Context     { return m.ch.s.ctx }
func (m *Message) ReadAll() ([]byte, error)     { return m.payload.ReadAll(m.ch.s.ctx) }
func (m *Message) IsPiggyback() bool            { return m.req != nil && m.req.discard }

// SendRPY answers the request with a single positive reply.
func (m *Message) SendRPY(out *stream.OutputStream) error {
	_, err := m.ch.reply(m, frame.TypeRPY, out, nil)
	return err
}

// SendERR answers the request with a negative reply.
func (m *Message) SendERR(out *stream.OutputStream) error {
	_, err := m.ch.reply(m, frame.TypeERR, out, nil)
	return err
}

// SendError answers the request with an error element built from err.
func (m *Message) SendError(err error) error {
	return m.SendERR(m.ch.s.errorStream(protocol.AsError(err)))
}

// SendANS adds one answer to the request and returns its ansno. Answers are
// terminated with SendNUL.
func (m *Message) SendANS(out *stream.OutputStream) (int32, error) {
	return m.ch.reply(m, frame.TypeANS, out, nil)
}

// SendNUL ends a series of answers.
func (m *Message) SendNUL() error {
	_, err := m.ch.reply(m, frame.TypeNUL, stream.Empty(), nil)
	return err
}

// ReadError reads an ERR reply and returns the peer's error. It returns nil
// for any other message type.
func (m *Message) ReadError() error {
	if m.typ != frame.TypeERR {
		return nil
	}
	el, err := m.ch.s.readControl(m)
	if err != nil {
		return err
	}
	if e, ok := el.(control.Error); ok {
		return e.Err()
	}
	return protocol.Errorf(protocol.CodeTransactionFailed, "ERR carried <%s>", control.Name(el))
}
