package transport

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/beepmux/internal/protocol/frame"
	"github.com/danmuck/beepmux/internal/protocol/segment"
	"github.com/danmuck/beepmux/internal/testutil/testlog"
	"github.com/danmuck/beepmux/internal/testutil/tlstest"
)

type recordingSink struct {
	units  chan frame.Unit
	closed chan error
	onPost func(frame.Unit)
}

func newRecordingSink() *recordingSink {
	return &recordingSink{units: make(chan frame.Unit, 16), closed: make(chan error, 1)}
}

func (s *recordingSink) PostFrame(u frame.Unit) error {
	if s.onPost != nil {
		s.onPost(u)
	}
	s.units <- u
	return nil
}

func (s *recordingSink) TransportClosed(err error) { s.closed <- err }

func (s *recordingSink) next(t *testing.T) frame.Unit {
	t.Helper()
	select {
	case u := <-s.units:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("no unit delivered")
		return nil
	}
}

func msg(ch, msgno, seqno uint32, body string) frame.Frame {
	return frame.Frame{
		Type:    frame.TypeMSG,
		Channel: ch,
		Msgno:   msgno,
		Ansno:   frame.NoAnsno,
		Seqno:   seqno,
		Last:    true,
		Payload: []segment.Segment{segment.New([]byte(body))},
	}
}

func writeUnit(t *testing.T, w io.Writer, u frame.Unit) {
	t.Helper()
	b, err := frame.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	go func() { _, _ = w.Write(b) }()
}

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := cfg.Delay(1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Delay(3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := cfg.Delay(6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		got := cfg.Delay(3, rng)
		if got < 200*time.Millisecond || got >= 600*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestValidateSecurityPolicy(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("development client: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("development server: %v", err)
	}

	cfg.SecurityMode = "Production"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected tls required, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServer(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected mtls required, got %v", err)
	}
	cfg.TLS.Mutual = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSInsecureSkipNotAllowed) {
		t.Fatalf("expected insecure skip rejection, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.SecurityMode = "staging"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected invalid mode, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected cert file required, got %v", err)
	}
}

func TestConnHoldsUnitsWhileDisabled(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer remote.Close()
	c := NewConn(local, DefaultConfig())
	defer c.Close()

	first := newRecordingSink()
	first.onPost = func(frame.Unit) { c.DisableIO() }
	c.Bind(first)
	c.EnableIO()

	writeUnit(t, remote, msg(1, 0, 0, "one"))
	if got := first.next(t).(frame.Frame); string(got.Bytes()) != "one" {
		t.Fatalf("first payload=%q", got.Bytes())
	}

	writeUnit(t, remote, msg(1, 1, 3, "two"))
	select {
	case u := <-first.units:
		t.Fatalf("unit delivered while disabled: %v", u)
	case <-time.After(50 * time.Millisecond):
	}

	second := newRecordingSink()
	c.Bind(second)
	c.EnableIO()
	got := second.next(t).(frame.Frame)
	if got.Msgno != 1 || string(got.Bytes()) != "two" {
		t.Fatalf("held unit=%v payload=%q", got, got.Bytes())
	}
}

func TestConnSendFrameWritesWireFormat(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer remote.Close()
	c := NewConn(local, DefaultConfig())
	defer c.Close()

	go func() {
		_ = c.SendFrame(msg(1, 7, 0, "hello"))
		_ = c.SendFrame(frame.SEQ{Channel: 1, Ackno: 5, Window: 4096})
	}()
	dec := frame.NewDecoder(remote, frame.DefaultLimits())
	u, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode msg: %v", err)
	}
	f := u.(frame.Frame)
	if f.Msgno != 7 || !f.Last || string(f.Bytes()) != "hello" {
		t.Fatalf("unexpected frame %v", f)
	}
	u, err = dec.Decode()
	if err != nil {
		t.Fatalf("decode seq: %v", err)
	}
	if q := u.(frame.SEQ); q.Ackno != 5 || q.Window != 4096 {
		t.Fatalf("unexpected seq %v", q)
	}
	if got := c.MaxFrameSize(); got != DefaultMaxFrameSize {
		t.Fatalf("max frame size=%d", got)
	}
}

func TestConnReportsPeerClose(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	c := NewConn(local, DefaultConfig())
	defer c.Close()
	sink := newRecordingSink()
	c.Bind(sink)
	c.EnableIO()

	_ = remote.Close()
	select {
	case err := <-sink.closed:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected eof, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("transport close not reported")
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("conn not closed after read failure")
	}
	if err := c.SendFrame(msg(1, 0, 0, "x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDialListenMutualTLS(t *testing.T) {
	testlog.Start(t)
	bundle := tlstest.NewBundle(t, "client-a")

	serverCfg := DefaultConfig()
	serverCfg.SecurityMode = SecurityModeProduction
	serverCfg.TLS = TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: bundle.ServerCertFile,
		KeyFile:  bundle.ServerKeyFile,
		CAFile:   bundle.CAFile,
	}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	accepted := make(chan *Conn, 1)
	served := make(chan error, 1)
	go func() {
		served <- ln.Serve(ctx, func(c *Conn) { accepted <- c })
	}()

	clientCfg := DefaultConfig()
	clientCfg.TLS = TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: bundle.ClientCertFile,
		KeyFile:  bundle.ClientKeyFile,
		CAFile:   bundle.CAFile,
	}
	client, err := Dial(ctx, ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if got := client.PeerIdentity(); got != "localhost" {
		t.Fatalf("server identity=%q", got)
	}

	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("no connection accepted")
	}
	if got := server.PeerIdentity(); got != "client-a" {
		t.Fatalf("client identity=%q", got)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("tracked connection not closed")
	}
}

func TestDialGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.MaxConnectAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	if _, err := Dial(context.Background(), addr, cfg); err == nil {
		t.Fatalf("expected dial failure")
	}
	if _, err := Dial(context.Background(), " ", cfg); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected address required, got %v", err)
	}
}
