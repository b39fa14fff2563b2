package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow-dev/chatflow/internal/protocol"
)

func chatMessage(seq uint64, text string) *protocol.Message {
	return &protocol.Message{
		Type:      protocol.TypeChat,
		SenderID:  "session-1",
		Scope:     protocol.RoomScope("general"),
		Payload:   []byte(text),
		Sequence:  seq,
		Timestamp: 1700000000000,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	in := chatMessage(1, "hello")
	require.NoError(t, enc.Encode(in))

	dec := NewDecoder(0)
	dec.Feed(buf.Bytes())
	out, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Zero(t, dec.Buffered())
}

func TestDecoderPartialReads(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	in := chatMessage(2, "split across reads")
	require.NoError(t, enc.Encode(in))

	dec := NewDecoder(0)
	stream := buf.Bytes()
	for i := 0; i < len(stream); i++ {
		m, err := dec.Next()
		require.NoError(t, err)
		require.Nil(t, m, "message surfaced before the frame was complete")
		dec.Feed(stream[i : i+1])
	}

	out, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecoderMultipleFramesInOneFeed(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	first := chatMessage(1, "first")
	second := chatMessage(2, "second")
	require.NoError(t, enc.Encode(first))
	require.NoError(t, enc.Encode(second))

	dec := NewDecoder(0)
	dec.Feed(buf.Bytes())

	out, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, first, out)

	out, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, second, out)

	out, err = dec.Next()
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDecoderRejectsOversizedHeader(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(1024)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1025)
	dec.Feed(header[:])

	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	// The oversized body was never buffered.
	assert.Equal(t, 4, dec.Buffered())
}

func TestDecoderRejectsZeroLengthFrame(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(0)
	dec.Feed([]byte{0, 0, 0, 0})

	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestDecoderConsumesBadBodyFrame(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(0)
	bad := []byte{0x7f, 'j', 'u', 'n', 'k'}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(bad)))
	dec.Feed(header[:])
	dec.Feed(bad)

	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	good := chatMessage(3, "still decodable")
	require.NoError(t, enc.Encode(good))
	dec.Feed(buf.Bytes())

	_, err := dec.Next()
	assert.ErrorIs(t, err, protocol.ErrBadVersion)

	// The bad frame was consumed; the stream is not poisoned.
	out, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, good, out)
}

func TestEncoderRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf, 64)
	big := chatMessage(4, string(bytes.Repeat([]byte("x"), 200)))

	err := enc.Encode(big)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "no bytes may reach the stream for a rejected frame")
}

func TestDecoderReadFrom(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	in := chatMessage(5, "via reader")
	require.NoError(t, enc.Encode(in))

	dec := NewDecoder(0)
	out, err := dec.ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
