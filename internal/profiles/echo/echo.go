// Package echo implements the NULL/ECHO and NULL/SINK test profiles.
//
// ECHO answers every request with its own headers and body. A request
// carrying an Echo-Chunk header is answered with a series of ANS replies of
// at most that many body bytes each, followed by NUL. SINK reads every
// request and answers with an empty RPY.
package echo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/beepmux/internal/logging"
	"github.com/danmuck/beepmux/internal/protocol"
	"github.com/danmuck/beepmux/internal/protocol/frame"
	"github.com/danmuck/beepmux/internal/protocol/mime"
	"github.com/danmuck/beepmux/internal/protocol/session"
	"github.com/danmuck/beepmux/internal/protocol/stream"
	"github.com/rs/zerolog"
)

const (
	URI     = "http://xml.resource.org/profiles/NULL/ECHO"
	SinkURI = "http://xml.resource.org/profiles/NULL/SINK"

	ChunkHeader = "Echo-Chunk"
)

var ErrBadChunk = errors.New("echo: invalid chunk size")

// Profile serves one of the two URIs.
type Profile struct {
	uri string
	log zerolog.Logger
}

func New() *Profile {
	return &Profile{uri: URI, log: logging.Component("echo")}
}

func NewSink() *Profile {
	return &Profile{uri: SinkURI, log: logging.Component("sink")}
}

// Register adds both profiles to reg.
func Register(reg *session.ProfileRegistry) error {
	for _, p := range []*Profile{New(), NewSink()} {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func (p *Profile) URI() string { return p.uri }

// StartChannel installs the request handler. Piggybacked start data is
// echoed back in the profile reply.
func (p *Profile) StartChannel(ch *session.Channel, req session.StartRequest) (string, error) {
	ch.SetRequestHandler(p)
	p.log.Debug().Uint32("channel", ch.Number()).Int("start_data", len(req.Data)).Msg("channel started")
	if p.uri == URI {
		return req.Data, nil
	}
	return "", nil
}

func (p *Profile) CloseChannel(*session.Channel) error { return nil }

func (p *Profile) Handle(m *session.Message) error {
	ctx := m.Context()
	headers, err := m.Payload().Headers(ctx)
	if err != nil {
		m.Payload().Close()
		return protocol.Errorf(protocol.CodeGeneralSyntaxError, "request headers: %v", err)
	}
	body, err := m.ReadAll()
	if err != nil {
		return err
	}
	if p.uri == SinkURI {
		return m.SendRPY(stream.FromBytes(mime.New(), nil))
	}
	chunk, err := chunkSize(headers)
	if err != nil {
		return protocol.NewError(protocol.CodeSyntaxErrorInParameters, err.Error())
	}
	if chunk == 0 {
		return m.SendRPY(stream.FromBytes(headers, body))
	}
	reply := headers.Clone()
	reply.Del(ChunkHeader)
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		if _, err := m.SendANS(stream.FromBytes(reply.Clone(), body[off:end])); err != nil {
			return err
		}
	}
	p.log.Trace().Int("bytes", len(body)).Int("chunk", chunk).Msg("answered")
	return m.SendNUL()
}

func chunkSize(h *mime.HeaderSet) (int, error) {
	v, ok := h.Get(ChunkHeader)
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadChunk, v)
	}
	return n, nil
}

// Echo sends body on ch and returns the echoed reply body.
func Echo(ctx context.Context, ch *session.Channel, contentType string, body []byte) ([]byte, error) {
	m, err := ch.Request(ctx, stream.FromBytes(mime.NewContentType(contentType), body))
	if err != nil {
		return nil, err
	}
	return readReply(ctx, m)
}

// Stream asks for body back in chunks and reassembles the answers in ansno
// order.
func Stream(ctx context.Context, ch *session.Channel, body []byte, chunk int) ([]byte, int, error) {
	if chunk <= 0 {
		return nil, 0, fmt.Errorf("%w: %d", ErrBadChunk, chunk)
	}
	headers := mime.New()
	headers.Set(ChunkHeader, strconv.Itoa(chunk))
	replies := make(chan *session.Message, 16)
	if _, err := ch.SendMSG(stream.FromBytes(headers, body), session.Replies(ctx, replies)); err != nil {
		return nil, 0, err
	}
	parts := make(map[int32][]byte)
	for {
		var m *session.Message
		select {
		case m = <-replies:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-ch.Session().Done():
			return nil, 0, ch.Session().Err()
		}
		switch m.Type() {
		case frame.TypeANS:
			b, err := m.ReadAll()
			if err != nil {
				return nil, 0, err
			}
			parts[m.Ansno()] = b
		case frame.TypeNUL:
			return assemble(parts), len(parts), nil
		default:
			_, err := readReply(ctx, m)
			if err == nil {
				err = fmt.Errorf("echo: unexpected %s reply", m.Type())
			}
			return nil, 0, err
		}
	}
}

func assemble(parts map[int32][]byte) []byte {
	keys := make([]int32, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var out []byte
	for _, k := range keys {
		out = append(out, parts[k]...)
	}
	return out
}

// readReply returns an RPY body, or the peer's error for an ERR.
func readReply(ctx context.Context, m *session.Message) ([]byte, error) {
	if m.Type() == frame.TypeERR {
		return nil, m.ReadError()
	}
	if _, err := m.Payload().Headers(ctx); err != nil {
		return nil, err
	}
	return m.ReadAll()
}
