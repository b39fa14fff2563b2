// Package wire implements the framed stream codec: each message travels as a
// 4-byte big-endian length header followed by a versioned body. The decoder
// works over partial reads and rejects oversized frames before allocating
// for them, so a hostile header can never balloon memory.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/chatflow-dev/chatflow/internal/protocol"
)

// headerSize is the length prefix in bytes.
const headerSize = 4

// DefaultMaxFrameSize bounds the body length accepted by a codec that was
// given no explicit limit.
const DefaultMaxFrameSize = 64 * 1024

// Codec errors.
var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum length")
	ErrEmptyFrame    = errors.New("wire: zero-length frame")
)

// Encoder writes framed messages to an underlying stream. It is owned by a
// single writer goroutine and performs no locking.
type Encoder struct {
	w        io.Writer
	maxFrame int
	scratch  [headerSize]byte
}

// NewEncoder returns an Encoder writing to w. maxFrame <= 0 selects
// DefaultMaxFrameSize.
func NewEncoder(w io.Writer, maxFrame int) *Encoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Encoder{w: w, maxFrame: maxFrame}
}

// Encode serializes m and writes one frame. Encoding a message whose body
// exceeds the frame limit fails with ErrFrameTooLarge before any bytes are
// written.
func (e *Encoder) Encode(m *protocol.Message) error {
	body, err := protocol.MarshalBody(m)
	if err != nil {
		return err
	}
	if len(body) > e.maxFrame {
		return fmt.Errorf("%w: body is %d bytes, limit %d", ErrFrameTooLarge, len(body), e.maxFrame)
	}
	binary.BigEndian.PutUint32(e.scratch[:], uint32(len(body)))
	if _, err := e.w.Write(e.scratch[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := e.w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// Decoder accumulates bytes from a stream and yields complete messages. It
// holds only per-connection state: one decoder per connection, no locking.
type Decoder struct {
	buf      []byte
	maxFrame int
}

// NewDecoder returns a Decoder with the given frame limit. maxFrame <= 0
// selects DefaultMaxFrameSize.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{maxFrame: maxFrame}
}

// Feed appends bytes read from the connection to the accumulating buffer.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next returns the next complete message in the buffer, or (nil, nil) when
// more bytes are needed. A header announcing a body beyond the frame limit
// returns ErrFrameTooLarge; the connection owning this decoder must be
// closed at that point since the stream can no longer be re-synchronized.
func (d *Decoder) Next() (*protocol.Message, error) {
	if len(d.buf) < headerSize {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(d.buf[:headerSize])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if int(n) > d.maxFrame {
		return nil, fmt.Errorf("%w: header announces %d bytes, limit %d", ErrFrameTooLarge, n, d.maxFrame)
	}
	total := headerSize + int(n)
	if len(d.buf) < total {
		return nil, nil
	}
	body := d.buf[headerSize:total]
	m, err := protocol.UnmarshalBody(body)
	// Consume the frame even on a body error so one bad frame does not
	// poison the rest of the stream.
	rest := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Buffered reports how many undecoded bytes the decoder is holding.
func (d *Decoder) Buffered() int { return len(d.buf) }

// ReadFrom reads from r into the decoder until a full message is available
// or the reader fails. It is the convenience path used by clients; the
// server reader loop feeds the decoder from its own read buffer instead.
func (d *Decoder) ReadFrom(r io.Reader) (*protocol.Message, error) {
	var chunk [4096]byte
	for {
		if m, err := d.Next(); m != nil || err != nil {
			return m, err
		}
		n, err := r.Read(chunk[:])
		if n > 0 {
			d.Feed(chunk[:n])
		}
		if err != nil {
			if m, derr := d.Next(); m != nil || derr != nil {
				return m, derr
			}
			return nil, err
		}
	}
}
