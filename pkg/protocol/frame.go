package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the big-endian payload length prefix.
const HeaderSize = 4

// DefaultMaxFrameSize is the default upper bound on a frame payload.
const DefaultMaxFrameSize = 16 * 1024

// ErrFrameTooLarge is returned when a declared or produced payload length
// exceeds the codec maximum.
var ErrFrameTooLarge = errors.New("frame too large")

// Codec frames message payloads with a 4-byte length header.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	maxFrameSize uint32
}

// NewCodec returns a codec that rejects payloads larger than maxFrameSize.
// Zero selects DefaultMaxFrameSize.
func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{maxFrameSize: maxFrameSize}
}

// MaxFrameSize returns the largest accepted payload length.
func (c *Codec) MaxFrameSize() uint32 {
	return c.maxFrameSize
}

// Encode serializes m into a complete frame.
func (c *Codec) Encode(m Message) ([]byte, error) {
	payload, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return c.Frame(payload)
}

// Decode parses one complete frame into a message. The frame must contain
// exactly the declared number of payload bytes.
func (c *Codec) Decode(frame []byte) (Message, error) {
	payload, err := c.Unframe(frame)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := m.Decode(payload); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Frame prepends the length header to payload.
func (c *Codec) Frame(payload []byte) ([]byte, error) {
	if err := c.checkSize(uint64(len(payload))); err != nil {
		return nil, err
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Unframe validates the header of a complete frame and returns its payload.
func (c *Codec) Unframe(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(frame))
	}
	n := binary.BigEndian.Uint32(frame)
	if err := c.checkSize(uint64(n)); err != nil {
		return nil, err
	}
	if uint64(len(frame)-HeaderSize) != uint64(n) {
		return nil, fmt.Errorf("%w: header declares %d bytes, frame carries %d", ErrMalformed, n, len(frame)-HeaderSize)
	}
	return frame[HeaderSize:], nil
}

// ReadFrame reads one frame from r and returns its payload. The payload
// buffer is only allocated after the declared length has been checked.
func (c *Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if err := c.checkSize(uint64(n)); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as a single frame with one Write call.
func (c *Codec) WriteFrame(w io.Writer, payload []byte) error {
	frame, err := c.Frame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads and decodes one frame from r.
func (c *Codec) ReadMessage(r io.Reader) (Message, error) {
	payload, err := c.ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := m.Decode(payload); err != nil {
		return Message{}, err
	}
	return m, nil
}

// WriteMessage encodes m and writes it as a single frame.
func (c *Codec) WriteMessage(w io.Writer, m Message) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	return c.WriteFrame(w, payload)
}

func (c *Codec) checkSize(n uint64) error {
	if n > uint64(c.maxFrameSize) {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, n, c.maxFrameSize)
	}
	return nil
}
