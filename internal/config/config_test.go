package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/p2pnet/internal/protocol/handshake"
	"github.com/danmuck/p2pnet/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "p2pnode.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
host = "0.0.0.0"
port = 7100
peers = ["127.0.0.1:7101", " 10.0.0.2:7000 "]
handshake_mode = "legacy"
accept_timeout = "2s"
write_timeout = "750ms"
dial_attempts = 3

[admin]
addr = "127.0.0.1:8080"

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.Host != "0.0.0.0" || cfg.Node.Port != 7100 {
		t.Fatalf("unexpected listen addr: %s", cfg.Node.Addr())
	}
	if cfg.Node.HandshakeMode != handshake.ModeLegacy {
		t.Fatalf("unexpected handshake mode: %q", cfg.Node.HandshakeMode)
	}
	if cfg.Node.AcceptTimeout != 2*time.Second || cfg.Node.Session.WriteTimeout != 750*time.Millisecond {
		t.Fatalf("durations not applied: %+v", cfg.Node)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1] != "10.0.0.2:7000" {
		t.Fatalf("unexpected peers: %#v", cfg.Peers)
	}
	if cfg.DialAttempts != 3 || cfg.Admin.Addr != "127.0.0.1:8080" {
		t.Fatalf("unexpected dial/admin: %+v", cfg)
	}

	// Keys left out keep their defaults.
	def := Default()
	if cfg.Node.ShutdownGrace != def.Node.ShutdownGrace {
		t.Fatalf("shutdown_grace changed: %s", cfg.Node.ShutdownGrace)
	}
	if cfg.Node.Session.HandshakeTimeout != def.Node.Session.HandshakeTimeout {
		t.Fatalf("handshake_timeout changed: %s", cfg.Node.Session.HandshakeTimeout)
	}

	opts := cfg.Log.Options()
	if !opts.JSON || opts.Level != zerolog.DebugLevel {
		t.Fatalf("unexpected log options: %+v", opts)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"bad duration":   `accept_timeout = "soon"`,
		"bad port":       `port = 70000`,
		"bad mode":       `handshake_mode = "tls"`,
		"bad peer":       `peers = ["no-port"]`,
		"peer port zero": `peers = ["127.0.0.1:0"]`,
		"bad attempts":   `dial_attempts = 0`,
		"bad level":      "[log]\nlevel = \"loud\"",
		"bad format":     "[log]\nformat = \"xml\"",
		"unknown key":    `colour = "blue"`,
		"bad admin addr": "[admin]\naddr = \"8080\"",
		"zero frame":     `max_frame_bytes = 0`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTemplateLoadsAndValidates(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "p2pnode.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("template should load: %v", err)
	}
	if cfg.Node.Port != 7000 || cfg.Admin.Addr != "" {
		t.Fatalf("unexpected template values: %+v", cfg)
	}
}

func TestParsePeer(t *testing.T) {
	testlog.Start(t)

	host, port, err := ParsePeer("example.org:7000")
	if err != nil || host != "example.org" || port != 7000 {
		t.Fatalf("parse: host=%q port=%d err=%v", host, port, err)
	}
	for _, bad := range []string{"", ":7000", "host:", "host:abc", "[::1]:99999"} {
		if _, _, err := ParsePeer(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
