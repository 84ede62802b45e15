package session

import (
	"context"

	"github.com/danmuck/beepmux/internal/protocol/mime"
	"github.com/danmuck/beepmux/internal/protocol/stream"
)

// Handler receives messages delivered on a channel. For requests, a
// returned error is sent to the peer as an ERR reply unless the handler has
// already replied. For replies the error is only logged.
//
// A handler owns the message payload: it must read it to the end or close
// it, or the channel's receive window is never replenished.
type Handler interface {
	Handle(m *Message) error
}

type HandlerFunc func(m *Message) error

func (f HandlerFunc) Handle(m *Message) error { return f(m) }

// Discard closes every payload it receives.
var Discard Handler = HandlerFunc(func(m *Message) error {
	return m.Payload().Close()
})

// ReplyFunc reads a whole request and answers it with an RPY built by fn.
// An error from fn becomes an ERR reply.
func ReplyFunc(fn func(headers *mime.HeaderSet, body []byte) (*stream.OutputStream, error)) Handler {
	return HandlerFunc(func(m *Message) error {
		ctx := m.Context()
		headers, err := m.Payload().Headers(ctx)
		if err != nil {
			return err
		}
		body, err := m.Payload().ReadAll(ctx)
		if err != nil {
			return err
		}
		out, err := fn(headers, body)
		if err != nil {
			return err
		}
		return m.SendRPY(out)
	})
}

// Chain runs handlers in order until one returns an error.
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(m *Message) error {
		for _, h := range handlers {
			if err := h.Handle(m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Replies forwards every message to out. Once ctx has ended, messages are
// closed instead.
func Replies(ctx context.Context, out chan<- *Message) Handler {
	return HandlerFunc(func(m *Message) error {
		select {
		case out <- m:
		case <-ctx.Done():
			m.Payload().Close()
		}
		return nil
	})
}
