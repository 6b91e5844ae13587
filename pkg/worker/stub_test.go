package worker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/driftlab/husk/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

// Coerces the numeric types produced by the wire codec.
func toInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// Builds a loader with the callables the tests submit.
func newTestLoader() *RegistryLoader {
	loader := NewRegistryLoader()

	loader.Register("const42", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return 42, nil
	})

	loader.Register("incr", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return toInt(args[0]) + 1, nil
	})

	loader.Register("sum", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		var total int64
		for _, arg := range args {
			total += toInt(arg)
		}
		return total, nil
	})

	loader.Register("boom", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, fmt.Errorf("task exploded")
	})

	return loader
}

func newTestWorker(t *testing.T, mods ...func(*Config)) *Worker {
	t.Helper()

	config := DefaultConfig()
	config.SchedulerURI = "tcp://127.0.0.1:9"
	config.ListenHost = "127.0.0.1"
	config.ConnectTimeout = 200 * time.Millisecond
	config.MissingDepRetry = time.Millisecond
	for _, mod := range mods {
		mod(config)
	}

	w, err := New(config, newTestLoader())
	assert.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	return w
}

// A peer worker double serving get_data from a fixed table.
type stubPeer struct {
	addr  string
	delay time.Duration

	mu     sync.Mutex
	data   map[string]any
	served int
}

func startStubPeer(t *testing.T, data map[string]any) *stubPeer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	peer := &stubPeer{
		addr: protocol.FormatAddr("127.0.0.1", listener.Addr().(*net.TCPAddr).Port),
		data: data,
	}

	go func() {
		for {
			raw, err := listener.Accept()
			if err != nil {
				return
			}
			go peer.serve(protocol.NewConn(raw))
		}
	}()

	return peer
}

func (p *stubPeer) serve(conn *protocol.Conn) {
	defer conn.Close()

	for {
		msgs, err := conn.Read()
		if err != nil {
			return
		}

		for _, msg := range msgs {
			if msg.Op() != protocol.OpGetData {
				continue
			}

			p.mu.Lock()
			delay := p.delay
			out := map[string]any{}
			for _, key := range msg.Strings("keys") {
				if value, ok := p.data[key]; ok {
					out[key] = value
				}
			}
			p.served++
			p.mu.Unlock()

			if delay > 0 {
				time.Sleep(delay)
			}

			if err := conn.Write(out); err != nil {
				return
			}
		}
	}
}

func (p *stubPeer) setDelay(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = delay
}

func (p *stubPeer) timesServed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.served
}

// A scheduler double answering register and who_has requests.
type stubScheduler struct {
	addr string

	mu           sync.Mutex
	whoHas       map[string][]string
	whoHasRounds int
}

func startStubScheduler(t *testing.T) *stubScheduler {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	s := &stubScheduler{
		addr:   protocol.FormatAddr("127.0.0.1", listener.Addr().(*net.TCPAddr).Port),
		whoHas: map[string][]string{},
	}

	go func() {
		for {
			raw, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serve(protocol.NewConn(raw))
		}
	}()

	return s
}

func (s *stubScheduler) serve(conn *protocol.Conn) {
	defer conn.Close()

	for {
		msgs, err := conn.Read()
		if err != nil {
			return
		}

		for _, msg := range msgs {
			switch msg.Op() {
			case protocol.OpRegister:
				conn.Write("OK")

			case protocol.OpWhoHas:
				s.mu.Lock()
				s.whoHasRounds++
				out := map[string]any{}
				for _, key := range msg.Strings("keys") {
					peers := s.whoHas[key]
					if peers == nil {
						peers = []string{}
					}
					out[key] = peers
				}
				s.mu.Unlock()
				conn.Write(out)
			}
		}
	}
}

func (s *stubScheduler) setWhoHas(key string, peers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whoHas[key] = peers
}

func (s *stubScheduler) rounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.whoHasRounds
}
