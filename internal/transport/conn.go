package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/beepmux/internal/logging"
	"github.com/danmuck/beepmux/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("transport: connection closed")

// Conn is a frame transport over one net.Conn. Frames are decoded on a
// single read goroutine, started by the first EnableIO, and handed to the
// bound sink only while IO is enabled. A unit decoded while IO is disabled is
// held and goes to whichever sink is bound when IO is enabled again.
type Conn struct {
	nc      net.Conn
	cfg     Config
	log     zerolog.Logger
	dec     *frame.Decoder
	writeMu sync.Mutex
	bw      *bufio.Writer

	mu        sync.Mutex
	gate      *sync.Cond
	sink      frame.Sink
	enabled   bool
	reading   bool
	closed    bool
	closeOnce sync.Once
	closeErr  error
	onClose   func(*Conn)
	done      chan struct{}
}

// NewConn wraps an established connection. TLS handshakes must be complete.
func NewConn(nc net.Conn, cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	c := &Conn{
		nc:   nc,
		cfg:  cfg,
		log:  logging.Component("transport").With().Str("remote", nc.RemoteAddr().String()).Logger(),
		dec:  frame.NewDecoder(nc, cfg.Limits),
		bw:   bufio.NewWriterSize(nc, cfg.MaxFrameSize+64),
		done: make(chan struct{}),
	}
	c.gate = sync.NewCond(&c.mu)
	return c
}

func (c *Conn) MaxFrameSize() int     { return c.cfg.MaxFrameSize }
func (c *Conn) RemoteAddr() net.Addr  { return c.nc.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr   { return c.nc.LocalAddr() }
func (c *Conn) Done() <-chan struct{} { return c.done }

// PeerIdentity names the verified client or server certificate, or returns
// "" for plain TCP.
func (c *Conn) PeerIdentity() string {
	tc, ok := c.nc.(*tls.Conn)
	if !ok {
		return ""
	}
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return peerIdentity(state.PeerCertificates[0])
}

// Bind sets the sink that receives decoded units.
func (c *Conn) Bind(sink frame.Sink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// EnableIO resumes delivery, starting the read loop on first use.
func (c *Conn) EnableIO() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.enabled = true
	c.gate.Broadcast()
	if !c.reading {
		c.reading = true
		go c.readLoop()
	}
}

// DisableIO stops delivery after the unit currently being posted.
func (c *Conn) DisableIO() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
}

// SendFrame writes u. Calls from many goroutines are serialized.
func (c *Conn) SendFrame(u frame.Unit) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := frame.WriteFrame(c.bw, u); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("transport: flush: %w", err)
	}
	return nil
}

// Close closes the connection. It does not wait for the read loop, which
// may be the caller.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.enabled = false
		onClose := c.onClose
		c.gate.Broadcast()
		c.mu.Unlock()
		c.closeErr = c.nc.Close()
		close(c.done)
		if onClose != nil {
			onClose(c)
		}
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// awaitGate blocks while IO is disabled. It returns the bound sink, or
// false once the connection is closed.
func (c *Conn) awaitGate() (frame.Sink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.enabled && !c.closed {
		c.gate.Wait()
	}
	return c.sink, !c.closed
}

func (c *Conn) readLoop() {
	for {
		u, err := c.dec.Decode()
		if err != nil {
			c.readFailed(err)
			return
		}
		sink, ok := c.awaitGate()
		if !ok {
			c.notifyClosed(nil)
			return
		}
		if sink == nil {
			c.log.Warn().Msg("unit received with no sink bound")
			continue
		}
		if err := sink.PostFrame(u); err != nil {
			c.log.Debug().Err(err).Msg("sink rejected unit")
			_ = c.Close()
			return
		}
	}
}

func (c *Conn) readFailed(err error) {
	if c.isClosed() {
		c.notifyClosed(nil)
		return
	}
	if errors.Is(err, io.EOF) {
		c.log.Debug().Msg("peer closed connection")
	} else {
		c.log.Warn().Err(err).Msg("read failed")
	}
	// a session being replaced learns of the failure once its successor
	// enables IO
	c.awaitGate()
	c.notifyClosed(err)
	_ = c.Close()
}

func (c *Conn) notifyClosed(err error) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.TransportClosed(err)
	}
}
