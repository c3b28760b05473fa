package node

import (
	"errors"

	"github.com/danmuck/p2pnet/internal/protocol/handshake"
)

var (
	ErrBind             = errors.New("node: bind failed")
	ErrConnect          = errors.New("node: connect failed")
	ErrHandshake        = handshake.ErrHandshake
	ErrSelfConnect      = errors.New("node: cannot connect to self")
	ErrAlreadyConnected = errors.New("node: already connected")
	ErrUnknownPeer      = errors.New("node: peer is not connected")
	ErrNotStarted       = errors.New("node: not started")
	ErrAlreadyStarted   = errors.New("node: already started")
	ErrAlreadyRunning   = errors.New("node: already running")
	ErrStopped          = errors.New("node: stopped")
	ErrPeerClosed       = errors.New("node: peer closed")
)
