package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the big-endian length prefix.
const HeaderLen = 4

var (
	ErrShortHeader     = errors.New("frame: short length prefix")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

func (l Limits) check(n uint64) error {
	if l.MaxPayloadBytes > 0 && n > uint64(l.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, l.MaxPayloadBytes)
	}
	if n > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d", ErrPayloadTooLarge, n)
	}
	return nil
}

// ReadFrame reads exactly one length-prefixed payload from r.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var head [HeaderLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	n := DecodeHeader(head[:])
	if err := limits.check(uint64(n)); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, ErrShortPayload
			}
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes the length prefix and payload, looping until every byte
// is accepted by w.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	buf, err := AppendFrame(nil, payload, limits)
	if err != nil {
		return err
	}
	return writeFull(w, buf)
}

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst, payload []byte, limits Limits) ([]byte, error) {
	if err := limits.check(uint64(len(payload))); err != nil {
		return dst, err
	}
	dst = append(dst, EncodeHeader(uint32(len(payload)))...)
	return append(dst, payload...), nil
}

func EncodeHeader(n uint32) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

// DecodeHeader reads the payload length from the first HeaderLen bytes of b.
func DecodeHeader(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[:HeaderLen])
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		buf = buf[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
