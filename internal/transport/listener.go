package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/beepmux/internal/logging"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Listener accepts connections and tracks them until they close.
type Listener struct {
	ln  net.Listener
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Listen opens a TCP listener, wrapped in TLS when configured.
func Listen(addr string, cfg Config) (*Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.serverTLSConfig()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	return NewListener(ln, cfg), nil
}

// NewListener adopts ln.
func NewListener(ln net.Listener, cfg Config) *Listener {
	return &Listener{
		ln:    ln,
		cfg:   cfg.WithDefaults(),
		log:   logging.Component("transport").With().Str("listen", ln.Addr().String()).Logger(),
		conns: make(map[*Conn]struct{}),
	}
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx ends or the listener fails, running
// handle on its own goroutine for each. Connections that fail the TLS
// handshake are dropped. Serve closes every tracked connection on return.
func (l *Listener) Serve(ctx context.Context, handle func(*Conn)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer l.Close()

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			conn, err := l.accept(nc)
			if err != nil {
				l.log.Warn().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("handshake failed")
				_ = nc.Close()
				return
			}
			handle(conn)
		}()
	}
}

func (l *Listener) accept(nc net.Conn) (*Conn, error) {
	if tc, ok := nc.(*tls.Conn); ok {
		_ = tc.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
		if err := tc.Handshake(); err != nil {
			return nil, err
		}
		_ = tc.SetDeadline(time.Time{})
	}
	conn := NewConn(nc, l.cfg)
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
	conn.mu.Lock()
	conn.onClose = l.untrack
	conn.mu.Unlock()
	l.log.Debug().Str("remote", nc.RemoteAddr().String()).Str("peer", conn.PeerIdentity()).Msg("accepted")
	return conn, nil
}

func (l *Listener) untrack(c *Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// Close stops accepting and closes every tracked connection.
func (l *Listener) Close() error {
	var result *multierror.Error
	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
	}
	l.mu.Lock()
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", c.RemoteAddr(), err))
		}
	}
	return result.ErrorOrNil()
}
