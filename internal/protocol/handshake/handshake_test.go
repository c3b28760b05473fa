package handshake

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/p2pnet/internal/testutil/testlog"
)

type result struct {
	id  string
	err error
}

func runPair(t *testing.T, cfg Config, dialID, acceptID string) (result, result) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	acceptCh := make(chan result, 1)
	go func() {
		id, err := Accept(b, cfg, acceptID)
		acceptCh <- result{id: id, err: err}
	}()
	id, err := Dial(a, cfg, dialID)
	return result{id: id, err: err}, <-acceptCh
}

func TestDelimitedExchangeIsSymmetric(t *testing.T) {
	testlog.Start(t)
	dialer, acceptor := runPair(t, DefaultConfig(), "node-b", "node-a")
	if dialer.err != nil || acceptor.err != nil {
		t.Fatalf("exchange failed: dial=%v accept=%v", dialer.err, acceptor.err)
	}
	if dialer.id != "node-a" || acceptor.id != "node-b" {
		t.Fatalf("ids crossed wrong: dialer saw %q acceptor saw %q", dialer.id, acceptor.id)
	}
}

func TestLegacyExchangeIsSymmetric(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Mode: ModeLegacy, Timeout: time.Second}
	dialer, acceptor := runPair(t, cfg, "node-b", "node-a")
	if dialer.err != nil || acceptor.err != nil {
		t.Fatalf("exchange failed: dial=%v accept=%v", dialer.err, acceptor.err)
	}
	if dialer.id != "node-a" || acceptor.id != "node-b" {
		t.Fatalf("ids crossed wrong: dialer saw %q acceptor saw %q", dialer.id, acceptor.id)
	}
}

func TestDelimitedReadSurvivesSplitDelivery(t *testing.T) {
	testlog.Start(t)
	var wire bytes.Buffer
	if err := WriteIdentity(&wire, ModeDelimited, "split-identity"); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := &chunkedReader{data: wire.Bytes(), chunk: 3}
	got, err := ReadIdentity(r, ModeDelimited)
	if err != nil || got != "split-identity" {
		t.Fatalf("read: %q %v", got, err)
	}
}

func TestReadIdentityRejectsOversize(t *testing.T) {
	testlog.Start(t)
	wire := []byte{0xFF, 0xFF}
	if _, err := ReadIdentity(bytes.NewReader(wire), ModeDelimited); !errors.Is(err, ErrIdentityTooLarge) {
		t.Fatalf("expected ErrIdentityTooLarge, got %v", err)
	}
	if err := WriteIdentity(&bytes.Buffer{}, ModeDelimited, strings.Repeat("x", MaxIdentityBytes+1)); !errors.Is(err, ErrIdentityTooLarge) {
		t.Fatalf("expected ErrIdentityTooLarge on write, got %v", err)
	}
}

func TestReadIdentityRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	if _, err := ReadIdentity(bytes.NewReader([]byte{0, 0}), ModeDelimited); !errors.Is(err, ErrEmptyIdentity) {
		t.Fatalf("expected ErrEmptyIdentity, got %v", err)
	}
	if _, err := ReadIdentity(bytes.NewReader([]byte{0, 2, 0xC3, 0x28}), ModeDelimited); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestAcceptTimesOutOnSilentPeer(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := Accept(b, Config{Mode: ModeDelimited, Timeout: 50 * time.Millisecond}, "node-a")
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestModeValidate(t *testing.T) {
	testlog.Start(t)
	if err := Mode("").Validate(); err != nil {
		t.Fatalf("empty mode should default: %v", err)
	}
	if err := Mode(" Legacy ").Validate(); err != nil {
		t.Fatalf("legacy should validate: %v", err)
	}
	if err := Mode("tls").Validate(); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

type chunkedReader struct {
	data  []byte
	chunk int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, errors.New("eof")
	}
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}
