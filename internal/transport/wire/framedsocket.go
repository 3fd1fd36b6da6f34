package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/opsloom/agentctl/internal/platform/apierr"
)

// MaxFrameBytes bounds a single frame's payload. Enforced before the
// payload buffer is allocated so an attacker can't force a large alloc
// with a forged length prefix.
const MaxFrameBytes = 10 * 1024 * 1024

// FramedSocket wraps one net.Conn with length-prefixed Message framing: a
// 4-byte big-endian payload length, then the JSON-encoded Message.
// Concurrent ReadMessage calls are not supported (one reader goroutine per
// connection); WriteMessage is safe to call concurrently.
type FramedSocket struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

// NewFramedSocket wraps conn.
func NewFramedSocket(conn net.Conn) *FramedSocket {
	return &FramedSocket{conn: conn, r: bufio.NewReader(conn)}
}

// ReadMessage blocks for the next frame, decodes it, and returns the
// Message. Returns apierr.ErrTransport if the length prefix exceeds
// MaxFrameBytes or the payload fails to decode.
func (s *FramedSocket) ReadMessage() (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame size %d exceeds max %d", apierr.ErrTransport, size, MaxFrameBytes)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return nil, fmt.Errorf("%w: %s", apierr.ErrTransport, err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode message: %s", apierr.ErrTransport, err)
	}
	if msg.Version != Version {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", apierr.ErrTransport, msg.Version)
	}
	return &msg, nil
}

// WriteMessage encodes and writes msg as one frame.
func (s *FramedSocket) WriteMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %s", apierr.ErrTransport, err)
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("%w: frame size %d exceeds max %d", apierr.ErrTransport, len(data), MaxFrameBytes)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: %s", apierr.ErrTransport, err)
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %s", apierr.ErrTransport, err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *FramedSocket) Close() error {
	return s.conn.Close()
}
