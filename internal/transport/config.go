// Package transport carries BEEP frames over TCP, optionally wrapped in TLS,
// following the TCP mapping of RFC 3081.
package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/beepmux/internal/protocol/frame"
)

// DefaultMaxFrameSize caps the payload of a single outbound frame.
const DefaultMaxFrameSize = 4096

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig selects server/client certificates. Mutual requires the peer to
// present a certificate signed by CAFile.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Config defines connection setup and IO limits.
type Config struct {
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	MaxConnectAttempts int
	MaxFrameSize       int
	Limits             frame.Limits
	SecurityMode       SecurityMode
	TLS                TLSConfig
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		MaxFrameSize:     DefaultMaxFrameSize,
		Limits:           frame.DefaultLimits(),
		SecurityMode:     SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero timeouts and sizes from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.Limits.MaxHeaderBytes <= 0 {
		c.Limits.MaxHeaderBytes = def.Limits.MaxHeaderBytes
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		c.Limits.MaxPayloadBytes = def.Limits.MaxPayloadBytes
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (c Config) validateMode() (SecurityMode, error) {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
		return mode, nil
	default:
		return mode, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
}

// ValidateClient checks the settings used to dial.
func (c Config) ValidateClient() error {
	mode, err := c.validateMode()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
		if c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllowed
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

// ValidateServer checks the settings used to listen.
func (c Config) ValidateServer() error {
	mode, err := c.validateMode()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}
