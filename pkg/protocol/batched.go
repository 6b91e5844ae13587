package protocol

import (
	"sync"
	"time"

	"github.com/driftlab/husk/pkg/log"
)

// A time-windowed outbound stream. Messages are buffered and
// flushed as one array frame when the coalescing window expires.
type Batched struct {
	conn     *Conn
	interval time.Duration

	mu     sync.Mutex
	buf    []any
	timer  *time.Timer
	closed bool
}

func NewBatched(conn *Conn, interval time.Duration) *Batched {
	return &Batched{
		conn:     conn,
		interval: interval,
	}
}

// Enqueues a message. Never blocks on I/O.
func (b *Batched) Send(msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		log.Debug("Dropping message on closed batched stream")
		return
	}

	b.buf = append(b.buf, msg)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.flush)
	}
}

func (b *Batched) flush() {
	b.mu.Lock()
	buf := b.buf
	b.buf = nil
	b.timer = nil
	closed := b.closed
	b.mu.Unlock()

	if closed || len(buf) == 0 {
		return
	}

	if err := b.conn.Write(buf); err != nil {
		log.Error("Batched stream write failed:", err)
	}
}

// Flushes pending messages and stops the stream. The underlying
// connection is not closed.
func (b *Batched) Close() {
	b.mu.Lock()
	buf := b.buf
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.closed = true
	b.mu.Unlock()

	if len(buf) > 0 {
		if err := b.conn.Write(buf); err != nil {
			log.Debug("Batched stream close flush failed:", err)
		}
	}
}
