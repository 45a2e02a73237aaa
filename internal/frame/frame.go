// ABOUTME: Length-delimited binary frame codec for broker session streams
// ABOUTME: Fixed 13-byte header carries payload length, direction, and correlation id

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderLen is the fixed size of a frame header on the wire:
// [4B big-endian payload length][1B direction][8B big-endian correlation id].
const HeaderLen = 13

// DefaultMaxPayload bounds a single frame payload unless configured otherwise.
const DefaultMaxPayload = 8 * 1024 * 1024

// Direction marks which way a frame travels through the broker.
type Direction byte

const (
	// DirControl frames carry broker control messages (hello, outcome, ping).
	DirControl Direction = iota
	// DirClientToAgent frames flow from the remote client to the in-cluster agent.
	DirClientToAgent
	// DirAgentToClient frames flow from the agent back to the client.
	DirAgentToClient
)

// String returns a short name for the direction.
func (d Direction) String() string {
	switch d {
	case DirControl:
		return "control"
	case DirClientToAgent:
		return "client_to_agent"
	case DirAgentToClient:
		return "agent_to_client"
	default:
		return fmt.Sprintf("direction(%d)", byte(d))
	}
}

// Valid reports whether d is a known direction marker.
func (d Direction) Valid() bool {
	return d <= DirAgentToClient
}

// Frame is one opaque payload plus its routing header.
type Frame struct {
	Correlation uint64
	Direction   Direction
	Payload     []byte
}

// Codec errors. Both are wrapped in a *CodecError.
var (
	// ErrTruncated means the stream ended in the middle of a frame.
	// Consumers treat it as a clean close of that side.
	ErrTruncated = errors.New("frame truncated")

	// ErrOversized means a header declared a payload larger than the
	// configured maximum. The connection must be dropped.
	ErrOversized = errors.New("frame oversized")

	// ErrInvalidDirection means a header carried an unknown direction marker.
	ErrInvalidDirection = errors.New("invalid frame direction")
)

// CodecError describes a framing failure.
type CodecError struct {
	Kind     error
	Declared uint32
	Max      uint32
	Read     int
}

func (e *CodecError) Error() string {
	switch e.Kind {
	case ErrOversized:
		return fmt.Sprintf("%v: declared %d bytes, max %d", e.Kind, e.Declared, e.Max)
	case ErrTruncated:
		return fmt.Sprintf("%v: stream ended after %d bytes of frame", e.Kind, e.Read)
	default:
		return e.Kind.Error()
	}
}

func (e *CodecError) Unwrap() error {
	return e.Kind
}

// Append encodes f onto dst and returns the extended slice.
func Append(dst []byte, f Frame) []byte {
	var hdr [HeaderLen]byte
	putHeader(hdr[:], f)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// Encode returns the wire encoding of f.
func Encode(f Frame) []byte {
	return Append(make([]byte, 0, HeaderLen+len(f.Payload)), f)
}

func putHeader(hdr []byte, f Frame) {
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(f.Payload)))
	hdr[4] = byte(f.Direction)
	binary.BigEndian.PutUint64(hdr[5:13], f.Correlation)
}

// Encoder writes frames to an underlying writer. Each frame is emitted with a
// single Write call so concurrent writers on distinct encoders never interleave
// partial frames on a shared stream.
type Encoder struct {
	w   io.Writer
	max uint32
	buf []byte
}

// NewEncoder returns an Encoder that rejects payloads above maxPayload.
// A zero maxPayload uses DefaultMaxPayload.
func NewEncoder(w io.Writer, maxPayload uint32) *Encoder {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Encoder{w: w, max: maxPayload}
}

// Encode writes f. The encoder is not safe for concurrent use.
func (e *Encoder) Encode(f Frame) error {
	if n := uint64(len(f.Payload)); n > uint64(e.max) {
		return &CodecError{Kind: ErrOversized, Declared: uint32(min(n, math.MaxUint32)), Max: e.max}
	}
	e.buf = Append(e.buf[:0], f)
	_, err := e.w.Write(e.buf)
	return err
}
