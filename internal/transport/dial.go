package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/beepmux/internal/logging"
)

var ErrAddressRequired = errors.New("transport: address required")

// Dialer opens client connections, retrying with backoff.
type Dialer struct {
	cfg Config
	rng *rand.Rand
}

func NewDialer(cfg Config) (*Dialer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return &Dialer{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Dial connects to addr. Failed attempts are retried until MaxConnectAttempts
// is reached (zero retries forever) or ctx ends.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	log := logging.Component("transport")
	var attempt int
	for {
		attempt++
		nc, err := d.dialOnce(ctx, addr)
		if err == nil {
			log.Debug().Str("addr", addr).Int("attempt", attempt).Msg("connected")
			return NewConn(nc, d.cfg), nil
		}
		log.Warn().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("dial failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if d.cfg.MaxConnectAttempts > 0 && attempt >= d.cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := sleep(ctx, d.cfg.Backoff.Delay(attempt, d.rng)); err != nil {
			return nil, err
		}
	}
}

func (d *Dialer) dialOnce(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !d.cfg.TLS.Enabled {
		return raw, nil
	}
	tlsCfg, err := d.cfg.clientTLSConfig(addr)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// Dial is shorthand for NewDialer(cfg) followed by Dial.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	d, err := NewDialer(cfg)
	if err != nil {
		return nil, err
	}
	return d.Dial(ctx, addr)
}
