// Package config loads the beepctl TOML configuration. Keys left out of the
// file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/beepmux/internal/protocol/session"
	"github.com/danmuck/beepmux/internal/transport"
)

var ErrInvalid = errors.New("config: invalid")

// KnownProfiles are the profile names beepctl can serve.
var KnownProfiles = []string{"echo", "sink"}

type Config struct {
	Listen      string
	Connect     string
	MetricsAddr string
	Profiles    []string
	Session     session.Config
	Transport   transport.Config
}

type fileConfig struct {
	Listen      string        `toml:"listen"`
	Connect     string        `toml:"connect"`
	MetricsAddr string        `toml:"metrics_addr"`
	Profiles    []string      `toml:"profiles"`
	Session     sessionFile   `toml:"session"`
	Transport   transportFile `toml:"transport"`
}

type sessionFile struct {
	WindowSize            int      `toml:"window_size"`
	WindowUpdateThreshold int      `toml:"window_update_threshold"`
	GreetingTimeout       string   `toml:"greeting_timeout"`
	StartTimeout          string   `toml:"start_timeout"`
	CloseTimeout          string   `toml:"close_timeout"`
	Workers               int      `toml:"workers"`
	ServerName            string   `toml:"server_name"`
	Features              []string `toml:"features"`
	Localize              []string `toml:"localize"`
}

type transportFile struct {
	ConnectTimeout     string              `toml:"connect_timeout"`
	HandshakeTimeout   string              `toml:"handshake_timeout"`
	WriteTimeout       string              `toml:"write_timeout"`
	MaxConnectAttempts int                 `toml:"max_connect_attempts"`
	MaxFrameSize       int                 `toml:"max_frame_size"`
	SecurityMode       string              `toml:"security_mode"`
	TLS                transport.TLSConfig `toml:"tls"`
}

func Default() Config {
	return Config{
		Listen:    "127.0.0.1:10288",
		Connect:   "127.0.0.1:10288",
		Profiles:  slices.Clone(KnownProfiles),
		Session:   session.DefaultConfig(),
		Transport: transport.DefaultConfig(),
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("connect") {
		cfg.Connect = strings.TrimSpace(raw.Connect)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("profiles") {
		cfg.Profiles = normalize(raw.Profiles)
	}

	s := &cfg.Session
	if meta.IsDefined("session", "window_size") {
		s.WindowSize = raw.Session.WindowSize
	}
	if meta.IsDefined("session", "window_update_threshold") {
		s.WindowUpdateThreshold = raw.Session.WindowUpdateThreshold
	} else if meta.IsDefined("session", "window_size") {
		s.WindowUpdateThreshold = s.WindowSize / 2
	}
	for key, dst := range map[string]*time.Duration{
		"greeting_timeout": &s.GreetingTimeout,
		"start_timeout":    &s.StartTimeout,
		"close_timeout":    &s.CloseTimeout,
	} {
		if !meta.IsDefined("session", key) {
			continue
		}
		if err := parseDuration("session."+key, sessionDuration(raw.Session, key), dst); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("session", "workers") {
		s.Workers = raw.Session.Workers
	}
	if meta.IsDefined("session", "server_name") {
		s.ServerName = strings.TrimSpace(raw.Session.ServerName)
	}
	if meta.IsDefined("session", "features") {
		s.Features = normalize(raw.Session.Features)
	}
	if meta.IsDefined("session", "localize") {
		s.Localize = normalize(raw.Session.Localize)
	}

	tc := &cfg.Transport
	for key, dst := range map[string]*time.Duration{
		"connect_timeout":   &tc.ConnectTimeout,
		"handshake_timeout": &tc.HandshakeTimeout,
		"write_timeout":     &tc.WriteTimeout,
	} {
		if !meta.IsDefined("transport", key) {
			continue
		}
		if err := parseDuration("transport."+key, transportDuration(raw.Transport, key), dst); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("transport", "max_connect_attempts") {
		tc.MaxConnectAttempts = raw.Transport.MaxConnectAttempts
	}
	if meta.IsDefined("transport", "max_frame_size") {
		tc.MaxFrameSize = raw.Transport.MaxFrameSize
	}
	if meta.IsDefined("transport", "security_mode") {
		tc.SecurityMode = transport.NormalizeSecurityMode(transport.SecurityMode(raw.Transport.SecurityMode))
	}
	if meta.IsDefined("transport", "tls") {
		tc.TLS = raw.Transport.TLS
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func sessionDuration(f sessionFile, key string) string {
	switch key {
	case "greeting_timeout":
		return f.GreetingTimeout
	case "start_timeout":
		return f.StartTimeout
	default:
		return f.CloseTimeout
	}
}

func transportDuration(f transportFile, key string) string {
	switch key {
	case "connect_timeout":
		return f.ConnectTimeout
	case "handshake_timeout":
		return f.HandshakeTimeout
	default:
		return f.WriteTimeout
	}
}

func parseDuration(key, raw string, dst *time.Duration) error {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, key, err)
	}
	*dst = d
	return nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Validate checks addresses, profile names and the session and transport
// settings. The listener and dialer security policies only apply when their
// address is set.
func (c Config) Validate() error {
	if err := c.Session.WithDefaults().Validate(); err != nil {
		return err
	}
	if c.Listen != "" {
		if err := validateAddr("listen", c.Listen); err != nil {
			return err
		}
		if err := c.Transport.WithDefaults().ValidateServer(); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	if c.Connect != "" {
		if err := validateAddr("connect", c.Connect); err != nil {
			return err
		}
		if err := c.Transport.WithDefaults().ValidateClient(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}
	if c.MetricsAddr != "" {
		if err := validateAddr("metrics_addr", c.MetricsAddr); err != nil {
			return err
		}
	}
	if c.Listen == "" && c.Connect == "" {
		return fmt.Errorf("%w: one of listen or connect is required", ErrInvalid)
	}
	for _, p := range c.Profiles {
		if !slices.Contains(KnownProfiles, p) {
			return fmt.Errorf("%w: unknown profile %q (known: %s)", ErrInvalid, p, strings.Join(KnownProfiles, ", "))
		}
	}
	return nil
}

func validateAddr(key, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalid, key, addr, err)
	}
	return nil
}
