package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/beepmux/internal/protocol/frame"
	"github.com/danmuck/beepmux/internal/protocol/segment"
)

const xmlHeaders = "Content-Type: application/beep+xml\r\n\r\n"

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport records outbound units; tests play the peer by calling
// PostFrame on the session directly.
type fakeTransport struct {
	maxFrame int
	units    chan frame.Unit
	enabled  chan struct{}

	mu       sync.Mutex
	sink     frame.Sink
	ioOn     bool
	everOn   bool
	disables int
	closed   bool
	closeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		maxFrame: 4096,
		units:    make(chan frame.Unit, 256),
		enabled:  make(chan struct{}),
	}
}

func (f *fakeTransport) SendFrame(u frame.Unit) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return errFakeClosed
	}
	f.units <- u
	return nil
}

func (f *fakeTransport) MaxFrameSize() int { return f.maxFrame }

func (f *fakeTransport) Bind(sink frame.Sink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *fakeTransport) EnableIO() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ioOn = true
	if !f.everOn {
		f.everOn = true
		close(f.enabled)
	}
}

func (f *fakeTransport) DisableIO() {
	f.mu.Lock()
	f.ioOn = false
	f.disables++
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	err := f.closeErr
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) next(t *testing.T) frame.Unit {
	t.Helper()
	select {
	case u := <-f.units:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame sent")
		return nil
	}
}

func (f *fakeTransport) nextFrame(t *testing.T) frame.Frame {
	t.Helper()
	for {
		if fr, ok := f.next(t).(frame.Frame); ok {
			return fr
		}
	}
}

func (f *fakeTransport) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case u := <-f.units:
		t.Fatalf("unexpected unit sent: %v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

// harness drives one session from the peer's side.
type harness struct {
	t     *testing.T
	s     *Session
	ft    *fakeTransport
	seq   map[uint32]uint32
	msgno map[uint32]uint32
}

func newHarness(t *testing.T, role Role, cfg Config, opts ...Option) *harness {
	t.Helper()
	ft := newFakeTransport()
	s, err := New(ft, role, cfg, opts...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Terminate("test done") })
	return &harness{
		t:  t,
		s:  s,
		ft: ft,
		// channel zero msgno 0 is the greeting
		seq:   map[uint32]uint32{},
		msgno: map[uint32]uint32{0: 1},
	}
}

// establish runs Init and answers with greeting.
func (h *harness) establish(greeting string) {
	h.t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- h.s.Init(context.Background()) }()
	g := h.ft.nextFrame(h.t)
	if g.Type != frame.TypeRPY || g.Channel != 0 || g.Msgno != 0 {
		h.t.Fatalf("expected greeting RPY, got %v", g)
	}
	h.waitEnabled()
	if err := h.post(frame.TypeRPY, 0, 0, true, xmlHeaders+greeting); err != nil {
		h.t.Fatalf("post greeting: %v", err)
	}
	if err := <-errc; err != nil {
		h.t.Fatalf("init: %v", err)
	}
}

func (h *harness) waitEnabled() {
	h.t.Helper()
	select {
	case <-h.ft.enabled:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("io never enabled")
	}
}

func (h *harness) post(typ frame.Type, ch, msgno uint32, last bool, body string) error {
	return h.postFrame(typ, ch, msgno, frame.NoAnsno, last, body)
}

func (h *harness) postANS(ch, msgno uint32, ansno int32, last bool, body string) error {
	return h.postFrame(frame.TypeANS, ch, msgno, ansno, last, body)
}

func (h *harness) postFrame(typ frame.Type, ch, msgno uint32, ansno int32, last bool, body string) error {
	f := frame.Frame{
		Type:    typ,
		Channel: ch,
		Msgno:   msgno,
		Ansno:   ansno,
		Seqno:   h.seq[ch],
		Last:    last,
	}
	if body != "" {
		f.Payload = []segment.Segment{segment.New([]byte(body))}
	}
	h.seq[ch] += uint32(len(body))
	return h.s.PostFrame(f)
}

// request posts a complete MSG from the peer and returns its msgno.
func (h *harness) request(ch uint32, body string) uint32 {
	h.t.Helper()
	n := h.msgno[ch]
	h.msgno[ch] = n + 1
	if err := h.post(frame.TypeMSG, ch, n, true, body); err != nil {
		h.t.Fatalf("post MSG %d on %d: %v", n, ch, err)
	}
	return n
}

// startChannel runs a local StartChannel and accepts it with uri.
func (h *harness) startChannel(handler Handler, uri string, offers ...ProfileOffer) *Channel {
	h.t.Helper()
	type result struct {
		ch  *Channel
		err error
	}
	res := make(chan result, 1)
	go func() {
		ch, err := h.s.StartChannel(context.Background(), handler, offers...)
		res <- result{ch, err}
	}()
	start := h.ft.nextFrame(h.t)
	if start.Type != frame.TypeMSG || start.Channel != 0 {
		h.t.Fatalf("expected start MSG, got %v", start)
	}
	if err := h.post(frame.TypeRPY, 0, start.Msgno, true, xmlHeaders+"<profile uri='"+uri+"'/>"); err != nil {
		h.t.Fatalf("post profile: %v", err)
	}
	r := <-res
	if r.err != nil {
		h.t.Fatalf("start channel: %v", r.err)
	}
	return r.ch
}

func body(f frame.Frame) string { return string(f.Bytes()) }

func contains(f frame.Frame, sub string) bool { return strings.Contains(body(f), sub) }
