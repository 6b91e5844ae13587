package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Frames larger than this are rejected as corrupt.
const maxFrameSize = 512 << 20

// A connection carrying length-framed msgpack messages.
// Writes are serialized and may be issued from multiple goroutines.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader
	wmu sync.Mutex
}

func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw: raw,
		r:   bufio.NewReader(raw),
	}
}

// Connects to a tcp://host:port endpoint.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	hostport, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	raw, err := net.DialTimeout("tcp", hostport, timeout)
	if err != nil {
		return nil, err
	}

	return NewConn(raw), nil
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Writes a single value as one frame.
func (c *Conn) Write(msg any) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.raw.Write(header[:]); err != nil {
		return err
	}
	_, err = c.raw.Write(data)
	return err
}

// Reads one frame and decodes it into its raw value.
func (c *Conn) read() (any, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, err
	}

	var value any
	if err := msgpack.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Reads one frame. A frame holds either a single message or an
// array of messages; both are returned as a list.
func (c *Conn) Read() ([]Message, error) {
	value, err := c.read()
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case map[string]any:
		return []Message{Message(v)}, nil
	case []any:
		msgs := make([]Message, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("unexpected message type %T", item)
			}
			msgs = append(msgs, Message(m))
		}
		return msgs, nil
	}
	return nil, fmt.Errorf("unexpected frame type %T", value)
}

// Reads one frame holding a bare value, such as a reply string.
func (c *Conn) ReadValue() (any, error) {
	return c.read()
}

// Sends a request over a fresh connection and decodes the reply map.
func Request(addr string, timeout time.Duration, msg any) (Message, error) {
	conn, err := Dial(addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Write(msg); err != nil {
		return nil, err
	}

	value, err := conn.ReadValue()
	if err != nil {
		return nil, err
	}

	if m, ok := value.(map[string]any); ok {
		return Message(m), nil
	}
	return nil, fmt.Errorf("unexpected reply type %T", value)
}

// Sends a request over a fresh connection and expects a bare value reply.
func RequestValue(addr string, timeout time.Duration, msg any) (any, error) {
	conn, err := Dial(addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Write(msg); err != nil {
		return nil, err
	}

	return conn.ReadValue()
}
