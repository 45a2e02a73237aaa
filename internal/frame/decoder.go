// ABOUTME: Incremental frame decoder that survives partial reads and transient errors
// ABOUTME: Yields frames lazily via Next or as an iter.Seq2 sequence

package frame

import (
	"encoding/binary"
	"errors"
	"io"
	"iter"
)

// Decoder reads frames from a byte stream. Partial progress is kept between
// calls, so a transient read error (for example a deadline) in the middle of a
// frame can be retried by calling Next again. Truncation and oversize errors are
// sticky: once returned, every later call returns the same error.
type Decoder struct {
	r   io.Reader
	max uint32

	hdr     [HeaderLen]byte
	hdrN    int
	payload []byte
	payN    int
	inBody  bool

	err error
}

// NewDecoder returns a Decoder that rejects frames larger than maxPayload.
// A zero maxPayload uses DefaultMaxPayload.
func NewDecoder(r io.Reader, maxPayload uint32) *Decoder {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{r: r, max: maxPayload}
}

// Next returns the next complete frame. It returns io.EOF when the stream ends
// cleanly on a frame boundary, a *CodecError wrapping ErrTruncated when it ends
// mid-frame, and a *CodecError wrapping ErrOversized when a header declares a
// payload above the maximum. Any other error comes from the underlying reader
// and leaves the decoder resumable.
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}

	for d.hdrN < HeaderLen {
		n, err := d.r.Read(d.hdr[d.hdrN:])
		d.hdrN += n
		if d.hdrN == HeaderLen {
			break
		}
		if err != nil {
			return Frame{}, d.readFailed(err)
		}
	}

	if !d.inBody {
		size := binary.BigEndian.Uint32(d.hdr[0:4])
		if size > d.max {
			d.err = &CodecError{Kind: ErrOversized, Declared: size, Max: d.max}
			return Frame{}, d.err
		}
		if !Direction(d.hdr[4]).Valid() {
			d.err = &CodecError{Kind: ErrInvalidDirection}
			return Frame{}, d.err
		}
		d.payload = make([]byte, size)
		d.payN = 0
		d.inBody = true
	}

	for d.payN < len(d.payload) {
		n, err := d.r.Read(d.payload[d.payN:])
		d.payN += n
		if d.payN == len(d.payload) {
			break
		}
		if err != nil {
			return Frame{}, d.readFailed(err)
		}
	}

	f := Frame{
		Direction:   Direction(d.hdr[4]),
		Correlation: binary.BigEndian.Uint64(d.hdr[5:13]),
		Payload:     d.payload,
	}
	d.hdrN = 0
	d.payload = nil
	d.payN = 0
	d.inBody = false
	return f, nil
}

// readFailed classifies a read error against the current partial state.
func (d *Decoder) readFailed(err error) error {
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	if d.hdrN == 0 && !d.inBody {
		d.err = io.EOF
		return d.err
	}
	d.err = &CodecError{Kind: ErrTruncated, Read: d.hdrN + d.payN}
	return d.err
}

// All returns a lazy sequence of frames. The sequence ends after a clean EOF
// (not yielded) or after yielding the first error.
func (d *Decoder) All() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// IsCleanClose reports whether err means the peer finished sending: a clean
// EOF or a frame truncated by the stream ending.
func IsCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrTruncated)
}
