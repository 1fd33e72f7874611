package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrConnectionClosed signals a clean EOF on the read side of a session,
// per spec.md §4.1: a short read or EOF is a connection-closed signal, not
// an error to be surfaced as a protocol failure.
var ErrConnectionClosed = errors.New("wire: connection closed")

// maxFrameSize bounds a single frame to guard against a misbehaving plugin
// claiming an absurd length prefix and exhausting host memory.
const maxFrameSize = 64 * 1024 * 1024

// Reader decodes length-prefixed JSON frames from a byte stream. There is
// no partial-frame recovery: a malformed frame ends the session (spec.md
// §4.1).
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for frame-at-a-time reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadMessage reads exactly one frame: a big-endian u32 length followed by
// that many bytes of JSON.
func (d *Reader) ReadMessage() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrConnectionClosed
		}
		return Message{}, fmt.Errorf("wire: read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{}, fmt.Errorf("wire: zero-length frame")
	}
	if length > maxFrameSize {
		return Message{}, fmt.Errorf("wire: frame of %d bytes exceeds maximum %d", length, maxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrConnectionClosed
		}
		return Message{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	return UnmarshalMessage(payload)
}

// Writer serializes Messages as length-prefixed JSON frames. WriteMessage
// holds the Writer's mutex across the length prefix, body and flush, so
// frames from concurrent callers are never interleaved; the supervisor's
// session still sends all writes through its single writer mailbox.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w for frame-at-a-time writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessage serializes m, writes the length prefix and body, and flushes
// so the peer observes the frame promptly.
func (e *Writer) WriteMessage(m Message) error {
	payload, err := MarshalMessage(m)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds maximum %d", len(payload), maxFrameSize)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return e.w.Flush()
}
