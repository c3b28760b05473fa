package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/p2pnet/internal/logging"
	"github.com/danmuck/p2pnet/internal/node"
	"github.com/danmuck/p2pnet/internal/protocol/handshake"
)

var ErrInvalid = errors.New("config: invalid")

// Config is everything p2pnode needs to run one node.
type Config struct {
	Node         node.Config
	Peers        []string
	DialAttempts int
	Admin        AdminConfig
	Log          LogConfig
}

// AdminConfig enables the HTTP admin surface when Addr is set.
type AdminConfig struct {
	Addr        string
	CorsOrigins []string
	Token       string
}

type LogConfig struct {
	Level      string
	Format     string
	NoColor    bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// p2pnode.toml key mapping.
type fileConfig struct {
	Host             string    `toml:"host"`
	Port             int       `toml:"port"`
	Peers            []string  `toml:"peers"`
	HandshakeMode    string    `toml:"handshake_mode"`
	AcceptTimeout    string    `toml:"accept_timeout"`
	HandshakeTimeout string    `toml:"handshake_timeout"`
	DialTimeout      string    `toml:"dial_timeout"`
	WriteTimeout     string    `toml:"write_timeout"`
	ShutdownGrace    string    `toml:"shutdown_grace"`
	MaxFrameBytes    uint32    `toml:"max_frame_bytes"`
	DialAttempts     int       `toml:"dial_attempts"`
	Admin            adminFile `toml:"admin"`
	Log              logFile   `toml:"log"`
}

type adminFile struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

type logFile struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	NoColor    bool   `toml:"no_color"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

func Default() Config {
	return Config{
		Node:         node.DefaultConfig(),
		DialAttempts: 5,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load overlays the keys present in path onto Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load p2pnode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("host") {
		cfg.Node.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Node.Port = raw.Port
	}
	if meta.IsDefined("peers") {
		cfg.Peers = trimAll(raw.Peers)
	}
	if meta.IsDefined("handshake_mode") {
		cfg.Node.HandshakeMode = handshake.Mode(strings.TrimSpace(raw.HandshakeMode))
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"accept_timeout", raw.AcceptTimeout, &cfg.Node.AcceptTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Node.Session.HandshakeTimeout},
		{"dial_timeout", raw.DialTimeout, &cfg.Node.Session.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Node.Session.WriteTimeout},
		{"shutdown_grace", raw.ShutdownGrace, &cfg.Node.ShutdownGrace},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Node.Limits.MaxPayloadBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("dial_attempts") {
		cfg.DialAttempts = raw.DialAttempts
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = trimAll(raw.Admin.CorsOrigins)
	}

	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		cfg.Log.MaxAgeDays = raw.Log.MaxAgeDays
	}
	if meta.IsDefined("log", "compress") {
		cfg.Log.Compress = raw.Log.Compress
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Node.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalid)
	}
	if cfg.Node.Port < 0 || cfg.Node.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, cfg.Node.Port)
	}
	if err := cfg.Node.HandshakeMode.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for key, d := range map[string]time.Duration{
		"accept_timeout":    cfg.Node.AcceptTimeout,
		"handshake_timeout": cfg.Node.Session.HandshakeTimeout,
		"dial_timeout":      cfg.Node.Session.ConnectTimeout,
		"write_timeout":     cfg.Node.Session.WriteTimeout,
		"shutdown_grace":    cfg.Node.ShutdownGrace,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, key)
		}
	}
	if cfg.Node.Limits.MaxPayloadBytes == 0 {
		return fmt.Errorf("%w: max_frame_bytes must be positive", ErrInvalid)
	}
	if cfg.DialAttempts < 1 {
		return fmt.Errorf("%w: dial_attempts must be at least 1", ErrInvalid)
	}
	for i, raw := range cfg.Peers {
		if _, _, err := ParsePeer(raw); err != nil {
			return fmt.Errorf("%w: peers[%d]: %v", ErrInvalid, i, err)
		}
	}
	if cfg.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Admin.Addr); err != nil {
			return fmt.Errorf("%w: admin.addr: %v", ErrInvalid, err)
		}
	}
	if _, ok := logging.ParseLevel(cfg.Log.Level); cfg.Log.Level != "" && !ok {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: log.format %q (expected console or json)", ErrInvalid, cfg.Log.Format)
	}
	return nil
}

// ParsePeer splits a bootstrap entry of the form host:port.
func ParsePeer(raw string) (string, int, error) {
	host, portRaw, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("peer %q missing host", raw)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("peer %q has invalid port", raw)
	}
	return host, port, nil
}

// Options maps the [log] table onto logger options for the runtime profile.
func (l LogConfig) Options() logging.Options {
	opts := logging.DefaultOptions(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(l.Level); ok {
		opts.Level = lvl
	}
	opts.JSON = strings.EqualFold(l.Format, "json")
	opts.NoColor = l.NoColor
	opts.File = logging.FileOptions{
		Path:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
	return opts
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
