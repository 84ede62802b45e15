package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/beepmux/internal/protocol/session"
	"github.com/danmuck/beepmux/internal/testutil/testlog"
	"github.com/danmuck/beepmux/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"listener", "client"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("%s template overwritten without force", kind)
		}
		if _, err := Load(path); err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("unknown kind should fail")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
listen = "0.0.0.0:7000"
profiles = ["echo"]

[session]
window_size = 16384
start_timeout = "2s"
features = [" x-trace ", ""]

[transport]
max_connect_attempts = 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:7000" || cfg.Connect != Default().Connect {
		t.Fatalf("unexpected addresses %q %q", cfg.Listen, cfg.Connect)
	}
	if len(cfg.Profiles) != 1 || cfg.Profiles[0] != "echo" {
		t.Fatalf("unexpected profiles %v", cfg.Profiles)
	}
	if cfg.Session.WindowSize != 16384 || cfg.Session.WindowUpdateThreshold != 8192 {
		t.Fatalf("unexpected window %d/%d", cfg.Session.WindowSize, cfg.Session.WindowUpdateThreshold)
	}
	if cfg.Session.StartTimeout != 2*time.Second || cfg.Session.CloseTimeout != session.DefaultCloseTimeout {
		t.Fatalf("unexpected timeouts %v %v", cfg.Session.StartTimeout, cfg.Session.CloseTimeout)
	}
	if len(cfg.Session.Features) != 1 || cfg.Session.Features[0] != "x-trace" {
		t.Fatalf("unexpected features %v", cfg.Session.Features)
	}
	if cfg.Transport.MaxConnectAttempts != 3 || cfg.Transport.WriteTimeout != transport.DefaultConfig().WriteTimeout {
		t.Fatalf("unexpected transport %+v", cfg.Transport)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]struct {
		body string
		want error
	}{
		"small window":    {body: "[session]\nwindow_size = 1024\n", want: session.ErrInvalidConfig},
		"bad duration":    {body: "[session]\nclose_timeout = \"soon\"\n", want: ErrInvalid},
		"unknown key":     {body: "listn = \"127.0.0.1:1\"\n", want: ErrInvalid},
		"unknown profile": {body: "profiles = [\"chat\"]\n", want: ErrInvalid},
		"bad address":     {body: "listen = \"nowhere\"\n", want: ErrInvalid},
		"production without tls": {
			body: "[transport]\nsecurity_mode = \"production\"\n",
			want: transport.ErrTLSRequired,
		},
	}
	for name, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}

func TestValidateNeedsAnAddress(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.Listen, cfg.Connect = "", ""
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("missing file should fail")
	}
}
