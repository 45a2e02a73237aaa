// ABOUTME: Tests for the frame codec
// ABOUTME: Covers round trips, truncation, oversize rejection, and resumable reads

package frame

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	frames := []Frame{
		{Correlation: 1, Direction: DirClientToAgent, Payload: []byte("hello")},
		{Correlation: 1, Direction: DirAgentToClient, Payload: []byte{}},
		{Correlation: 42, Direction: DirControl, Payload: bytes.Repeat([]byte{0xab}, 4096)},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	for _, f := range frames {
		require.NoError(t, enc.Encode(f))
	}

	dec := NewDecoder(&buf, 0)
	for i, want := range frames {
		got, err := dec.Next()
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want.Correlation, got.Correlation)
		assert.Equal(t, want.Direction, got.Direction)
		assert.Equal(t, want.Payload, got.Payload)
	}

	_, err := dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncodeHeaderLayout(t *testing.T) {
	b := Encode(Frame{Correlation: 0x0102030405060708, Direction: DirAgentToClient, Payload: []byte("xy")})
	require.Len(t, b, HeaderLen+2)
	assert.Equal(t, []byte{0, 0, 0, 2}, b[0:4])
	assert.Equal(t, byte(DirAgentToClient), b[4])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, b[5:13])
	assert.Equal(t, []byte("xy"), b[13:])
}

func TestDecoderTruncated(t *testing.T) {
	t.Run("mid header", func(t *testing.T) {
		b := Encode(Frame{Direction: DirClientToAgent, Payload: []byte("abc")})
		dec := NewDecoder(bytes.NewReader(b[:5]), 0)
		_, err := dec.Next()
		require.ErrorIs(t, err, ErrTruncated)
		assert.True(t, IsCleanClose(err))

		var ce *CodecError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 5, ce.Read)
	})

	t.Run("mid payload", func(t *testing.T) {
		b := Encode(Frame{Direction: DirClientToAgent, Payload: []byte("abcdef")})
		dec := NewDecoder(bytes.NewReader(b[:HeaderLen+2]), 0)
		_, err := dec.Next()
		require.ErrorIs(t, err, ErrTruncated)

		_, err = dec.Next()
		assert.ErrorIs(t, err, ErrTruncated, "truncation is sticky")
	})
}

func TestDecoderOversized(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf, 1024).Encode(Frame{Direction: DirClientToAgent, Payload: make([]byte, 512)}))

	dec := NewDecoder(&buf, 256)
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrOversized)
	assert.False(t, IsCleanClose(err))

	var ce *CodecError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint32(512), ce.Declared)
	assert.Equal(t, uint32(256), ce.Max)
}

func TestEncoderRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	err := NewEncoder(&buf, 4).Encode(Frame{Payload: []byte("too long")})
	require.ErrorIs(t, err, ErrOversized)
	assert.Zero(t, buf.Len(), "nothing written for a rejected frame")
}

func TestDecoderInvalidDirection(t *testing.T) {
	b := Encode(Frame{Direction: Direction(9), Payload: []byte("x")})
	_, err := NewDecoder(bytes.NewReader(b), 0).Next()
	assert.ErrorIs(t, err, ErrInvalidDirection)
}

func TestDecoderOneByteReads(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	for i := range 10 {
		require.NoError(t, enc.Encode(Frame{Correlation: uint64(i), Direction: DirClientToAgent, Payload: []byte{byte(i), byte(i)}}))
	}

	dec := NewDecoder(iotest.OneByteReader(&buf), 0)
	var got []uint64
	for f, err := range dec.All() {
		require.NoError(t, err)
		got = append(got, f.Correlation)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

// flakyReader returns a transient error once after a fixed number of bytes.
type flakyReader struct {
	r       io.Reader
	failAt  int
	read    int
	tripped bool
}

func (f *flakyReader) Read(p []byte) (int, error) {
	if !f.tripped && f.read >= f.failAt {
		f.tripped = true
		return 0, os.ErrDeadlineExceeded
	}
	if !f.tripped && f.read+len(p) > f.failAt {
		p = p[:f.failAt-f.read]
	}
	n, err := f.r.Read(p)
	f.read += n
	return n, err
}

func TestDecoderResumesAfterTransientError(t *testing.T) {
	for _, failAt := range []int{3, HeaderLen, HeaderLen + 4} {
		b := Encode(Frame{Correlation: 7, Direction: DirAgentToClient, Payload: []byte("resumable payload")})
		dec := NewDecoder(&flakyReader{r: bytes.NewReader(b), failAt: failAt}, 0)

		_, err := dec.Next()
		require.ErrorIs(t, err, os.ErrDeadlineExceeded, "failAt=%d", failAt)

		f, err := dec.Next()
		require.NoError(t, err, "failAt=%d", failAt)
		assert.Equal(t, uint64(7), f.Correlation)
		assert.Equal(t, "resumable payload", string(f.Payload))
	}
}

func TestAllYieldsTerminalError(t *testing.T) {
	b := Encode(Frame{Direction: DirClientToAgent, Payload: []byte("ok")})
	b = append(b, Encode(Frame{Direction: DirClientToAgent, Payload: []byte("cut")})[:HeaderLen+1]...)

	var frames int
	var lastErr error
	for _, err := range NewDecoder(bytes.NewReader(b), 0).All() {
		if err != nil {
			lastErr = err
			continue
		}
		frames++
	}
	assert.Equal(t, 1, frames)
	assert.ErrorIs(t, lastErr, ErrTruncated)
}
