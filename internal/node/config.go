package node

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/p2pnet/internal/protocol/frame"
	"github.com/danmuck/p2pnet/internal/protocol/handshake"
	"github.com/danmuck/p2pnet/internal/protocol/session"
)

// Config defines one node's listen address and link policy.
type Config struct {
	Host string
	Port int

	HandshakeMode handshake.Mode

	// AcceptTimeout bounds one blocking accept so the loop can sweep and
	// observe stop between attempts.
	AcceptTimeout time.Duration
	// ShutdownGrace is how long Stop waits for peers to exit before joining.
	ShutdownGrace time.Duration
	// KeepAlive is the TCP keepalive period for accepted and dialed sockets.
	KeepAlive time.Duration

	Limits  frame.Limits
	Session session.Config
}

func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          0,
		HandshakeMode: handshake.ModeDelimited,
		AcceptTimeout: 10 * time.Second,
		ShutdownGrace: time.Second,
		KeepAlive:     15 * time.Second,
		Limits:        frame.DefaultLimits(),
		Session:       session.DefaultConfig(),
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = def.Host
	}
	c.HandshakeMode = handshake.NormalizeMode(c.HandshakeMode)
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = def.AcceptTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// Addr returns the configured listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) handshake() handshake.Config {
	return handshake.Config{
		Mode:    c.HandshakeMode,
		Timeout: c.Session.HandshakeTimeout,
	}
}
