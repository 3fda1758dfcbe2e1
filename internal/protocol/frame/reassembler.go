package frame

import "io"

// Reassembler rebuilds frames from arbitrarily split chunks. One chunk may
// hold several frames, and one frame may span many chunks.
type Reassembler struct {
	buf    []byte
	limits Limits
}

func NewReassembler(limits Limits) *Reassembler {
	return &Reassembler{limits: limits}
}

// Feed appends a chunk to the pending buffer.
func (a *Reassembler) Feed(chunk []byte) {
	a.buf = append(a.buf, chunk...)
}

// Next returns the next complete payload. ok is false when the buffer does
// not yet hold a full frame; the partial bytes stay buffered.
func (a *Reassembler) Next() (payload []byte, ok bool, err error) {
	if len(a.buf) < HeaderLen {
		return nil, false, nil
	}
	n := DecodeHeader(a.buf)
	if err := a.limits.check(uint64(n)); err != nil {
		return nil, false, err
	}
	end := HeaderLen + int(n)
	if len(a.buf) < end {
		return nil, false, nil
	}
	payload = make([]byte, n)
	copy(payload, a.buf[HeaderLen:end])
	a.buf = a.buf[end:]
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return payload, true, nil
}

// Drain returns every complete payload currently buffered.
func (a *Reassembler) Drain() ([][]byte, error) {
	var out [][]byte
	for {
		payload, ok, err := a.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, payload)
	}
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (a *Reassembler) Buffered() int {
	return len(a.buf)
}

// Reader pulls chunks from a stream into a Reassembler. A read error (for
// example a deadline) leaves already-received bytes buffered, so the next
// call resumes mid-frame.
type Reader struct {
	src   io.Reader
	asm   *Reassembler
	chunk []byte
}

func NewReader(src io.Reader, limits Limits) *Reader {
	return &Reader{
		src:   src,
		asm:   NewReassembler(limits),
		chunk: make([]byte, 32*1024),
	}
}

// Next blocks until one full payload is available or src fails.
func (r *Reader) Next() ([]byte, error) {
	for {
		payload, ok, err := r.asm.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.asm.Feed(r.chunk[:n])
		}
		if err != nil {
			if n > 0 {
				if payload, ok, _ := r.asm.Next(); ok {
					return payload, nil
				}
			}
			if err == io.EOF && r.asm.Buffered() > 0 {
				return nil, ErrShortPayload
			}
			return nil, err
		}
	}
}
