package node

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
)

// Identity is the node's self-description exchanged during the handshake.
// The ID is informational only; nothing authenticates it.
type Identity struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewIdentity derives a hex SHA-512 id from host, port, and a random nonce.
func NewIdentity(host string, port int) (Identity, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Identity{}, fmt.Errorf("node: identity nonce: %w", err)
	}
	return Identity{
		ID:   deriveID(host, port, binary.BigEndian.Uint64(nonce[:])),
		Host: host,
		Port: port,
	}, nil
}

func deriveID(host string, port int, nonce uint64) string {
	sum := sha512.Sum512([]byte(host + strconv.Itoa(port) + strconv.FormatUint(nonce, 10)))
	return hex.EncodeToString(sum[:])
}

func (i Identity) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// Short returns a log-friendly id prefix.
func (i Identity) Short() string {
	return shortID(i.ID)
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
