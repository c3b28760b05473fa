// Package handshake owns the one-shot identity exchange run on every peer
// link before framing starts.
//
// Two wire modes exist:
//   - ModeDelimited: [2-byte big-endian length][UTF-8 identity]
//   - ModeLegacy: raw identity bytes in one write, read back with a single
//     bounded read. Compatible with peers that predate the delimiter, but a
//     split or coalesced TCP read corrupts the exchange.
package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxIdentityBytes bounds the identity read on either mode.
const MaxIdentityBytes = 4096

type Mode string

const (
	ModeDelimited Mode = "delimited"
	ModeLegacy    Mode = "legacy"
)

var (
	ErrHandshake        = errors.New("handshake: identity exchange failed")
	ErrInvalidMode      = fmt.Errorf("%w: invalid mode", ErrHandshake)
	ErrEmptyIdentity    = fmt.Errorf("%w: empty identity", ErrHandshake)
	ErrIdentityTooLarge = fmt.Errorf("%w: identity too large", ErrHandshake)
	ErrInvalidIdentity  = fmt.Errorf("%w: identity is not valid utf-8", ErrHandshake)
)

func NormalizeMode(mode Mode) Mode {
	if strings.TrimSpace(string(mode)) == "" {
		return ModeDelimited
	}
	return Mode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (m Mode) Validate() error {
	switch NormalizeMode(m) {
	case ModeDelimited, ModeLegacy:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, string(m))
	}
}

// Config controls one identity exchange.
type Config struct {
	Mode    Mode
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:    ModeDelimited,
		Timeout: 5 * time.Second,
	}
}

// Dial runs the connecting side: write own identity, then read the peer's.
func Dial(conn net.Conn, cfg Config, self string) (string, error) {
	return exchange(conn, cfg, func() (string, error) {
		if err := WriteIdentity(conn, cfg.Mode, self); err != nil {
			return "", err
		}
		return ReadIdentity(conn, cfg.Mode)
	})
}

// Accept runs the accepting side: read the peer's identity, then write own.
func Accept(conn net.Conn, cfg Config, self string) (string, error) {
	return exchange(conn, cfg, func() (string, error) {
		peer, err := ReadIdentity(conn, cfg.Mode)
		if err != nil {
			return "", err
		}
		if err := WriteIdentity(conn, cfg.Mode, self); err != nil {
			return "", err
		}
		return peer, nil
	})
}

func exchange(conn net.Conn, cfg Config, run func() (string, error)) (string, error) {
	if err := cfg.Mode.Validate(); err != nil {
		return "", err
	}
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
		defer conn.SetDeadline(time.Time{})
	}
	peer, err := run()
	if err != nil {
		if errors.Is(err, ErrHandshake) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return peer, nil
}

func WriteIdentity(w io.Writer, mode Mode, id string) error {
	if err := validateIdentity([]byte(id)); err != nil {
		return err
	}
	switch NormalizeMode(mode) {
	case ModeLegacy:
		_, err := w.Write([]byte(id))
		return err
	case ModeDelimited:
		buf := make([]byte, 2+len(id))
		binary.BigEndian.PutUint16(buf[:2], uint16(len(id)))
		copy(buf[2:], id)
		_, err := w.Write(buf)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, string(mode))
	}
}

func ReadIdentity(r io.Reader, mode Mode) (string, error) {
	switch NormalizeMode(mode) {
	case ModeLegacy:
		buf := make([]byte, MaxIdentityBytes)
		n, err := r.Read(buf)
		if n == 0 && err != nil {
			return "", err
		}
		return finishIdentity(buf[:n])
	case ModeDelimited:
		var prefix [2]byte
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return "", err
		}
		n := binary.BigEndian.Uint16(prefix[:])
		if int(n) > MaxIdentityBytes {
			return "", ErrIdentityTooLarge
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return finishIdentity(buf)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, string(mode))
	}
}

func finishIdentity(b []byte) (string, error) {
	if err := validateIdentity(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func validateIdentity(b []byte) error {
	if len(b) == 0 {
		return ErrEmptyIdentity
	}
	if len(b) > MaxIdentityBytes {
		return ErrIdentityTooLarge
	}
	if !utf8.Valid(b) {
		return ErrInvalidIdentity
	}
	return nil
}
