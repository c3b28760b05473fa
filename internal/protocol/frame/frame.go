package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PrefixLen is the size of the big-endian length prefix.
const PrefixLen = 4

var (
	ErrFraming       = errors.New("frame: framing error")
	ErrNeedMoreData  = errors.New("frame: need more data")
	ErrTruncated     = fmt.Errorf("%w: truncated stream", ErrFraming)
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrFraming)
)

// Frame is one decoded unit of payload.
type Frame struct {
	Payload []byte
}

// Len reports the wire length field for f.
func (f Frame) Len() uint32 {
	return uint32(len(f.Payload))
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 16 * 1024 * 1024,
	}
}

func (l Limits) check(n uint64) error {
	limit := l.MaxPayloadBytes
	if limit == 0 {
		limit = DefaultLimits().MaxPayloadBytes
	}
	if n > uint64(limit) {
		return fmt.Errorf("%w: length=%d max=%d", ErrFrameTooLarge, n, limit)
	}
	return nil
}

// Encode prepends the 4-byte big-endian length to payload.
func Encode(payload []byte) []byte {
	buf := make([]byte, PrefixLen+len(payload))
	binary.BigEndian.PutUint32(buf[:PrefixLen], uint32(len(payload)))
	copy(buf[PrefixLen:], payload)
	return buf
}

// Decode reads one frame from the head of buf and returns the number of bytes
// consumed. An incomplete prefix or payload yields ErrNeedMoreData and
// consumes nothing.
func Decode(buf []byte, limits Limits) (Frame, int, error) {
	if len(buf) < PrefixLen {
		return Frame{}, 0, ErrNeedMoreData
	}
	n := binary.BigEndian.Uint32(buf[:PrefixLen])
	if err := limits.check(uint64(n)); err != nil {
		return Frame{}, 0, err
	}
	end := PrefixLen + int(n)
	if len(buf) < end {
		return Frame{}, 0, ErrNeedMoreData
	}
	payload := make([]byte, n)
	copy(payload, buf[PrefixLen:end])
	return Frame{Payload: payload}, end, nil
}

// ReadFrame blocks until one full frame has been read from r. A stream that
// ends cleanly on a frame boundary returns io.EOF; one that ends inside a
// frame returns ErrTruncated.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if err := limits.check(uint64(n)); err != nil {
		return Frame{}, err
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return Frame{}, ErrTruncated
			}
			return Frame{}, err
		}
	}
	return Frame{Payload: payload}, nil
}

// WriteFrame encodes payload and hands it to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if err := limits.check(uint64(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(Encode(payload))
	return err
}
