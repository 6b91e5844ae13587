package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/driftlab/husk/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

// The worker's loopback dial address. The canonical contact
// address may be rewritten to the host's primary IP.
func localAddr(w *Worker) string {
	return protocol.FormatAddr("127.0.0.1", w.listener.Addr().(*net.TCPAddr).Port)
}

func streamCollector(conn *protocol.Conn) <-chan protocol.Message {
	ch := make(chan protocol.Message, 100)
	go func() {
		defer close(ch)
		for {
			msgs, err := conn.Read()
			if err != nil {
				return
			}
			for _, msg := range msgs {
				ch <- msg
			}
		}
	}()
	return ch
}

func awaitOp(t *testing.T, ch <-chan protocol.Message, op, key string) protocol.Message {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed waiting for %s %s", op, key)
			}
			if msg.Op() == op && (key == "" || msg.String("key") == key) {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s for %s within deadline", op, key)
		}
	}
}

func TestWorkerSession(t *testing.T) {
	scheduler := startStubScheduler(t)

	w := newTestWorker(t, func(c *Config) { c.SchedulerURI = scheduler.addr })
	assert.NoError(t, w.Start())
	assert.Contains(t, w.Addr(), "tcp://")

	stream, err := protocol.Dial(localAddr(w), time.Second)
	assert.NoError(t, err)
	defer stream.Close()

	assert.NoError(t, stream.Write(map[string]any{"op": protocol.OpComputeStream}))
	incoming := streamCollector(stream)

	// A trivial computation publishes task-finished on the stream.
	assert.NoError(t, stream.Write(map[string]any{
		"op":       protocol.OpComputeTask,
		"key":      "a",
		"priority": []any{0},
		"func":     []byte("const42"),
	}))

	finished := awaitOp(t, incoming, protocol.OpTaskFinished, "a")
	assert.Equal(t, "OK", finished.String("status"))
	assert.Equal(t, int64(8), finished.Int64("nbytes"))
	assert.Equal(t, "int", finished.String("type"))
	assert.True(t, finished.Has("startstops"))

	// The result is served to peers.
	reply, err := protocol.Request(localAddr(w), time.Second, protocol.GetDataMsg{
		Op:    protocol.OpGetData,
		Keys:  []string{"a", "unknown"},
		Who:   "tcp://10.0.0.9:1",
		Reply: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(42), reply.Int64("a"))
	assert.False(t, reply.Has("unknown"))

	// The keys op lists resident keys.
	value, err := protocol.RequestValue(localAddr(w), time.Second, map[string]any{"op": protocol.OpKeys})
	assert.NoError(t, err)
	assert.Equal(t, []any{"a"}, value)

	// Reserved admin ops answer with an error rather than dying.
	errReply, err := protocol.Request(localAddr(w), time.Second, map[string]any{"op": protocol.OpGather})
	assert.NoError(t, err)
	assert.Equal(t, "error", errReply.String("status"))

	// delete-data with report announces the removal.
	assert.NoError(t, stream.Write(map[string]any{
		"op":     protocol.OpStreamDelete,
		"keys":   []any{"a"},
		"report": "true",
	}))

	removed := awaitOp(t, incoming, protocol.OpRemoveKeys, "")
	assert.Equal(t, w.Addr(), removed.String("address"))
	assert.Equal(t, []string{"a"}, removed.Strings("keys"))

	_, ok := w.Value("a")
	assert.False(t, ok)
}

func TestWorkerSessionReleaseNotifies(t *testing.T) {
	scheduler := startStubScheduler(t)

	w := newTestWorker(t, func(c *Config) { c.SchedulerURI = scheduler.addr })
	assert.NoError(t, w.Start())

	gate := make(chan struct{})
	defer close(gate)
	w.loader.(*RegistryLoader).Register("block", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		<-gate
		return nil, nil
	})

	stream, err := protocol.Dial(localAddr(w), time.Second)
	assert.NoError(t, err)
	defer stream.Close()

	assert.NoError(t, stream.Write(map[string]any{"op": protocol.OpComputeStream}))
	incoming := streamCollector(stream)

	assert.NoError(t, stream.Write(map[string]any{
		"op":       protocol.OpComputeTask,
		"key":      "slow",
		"priority": []any{0},
		"func":     []byte("block"),
	}))

	waitForState(t, w, "slow", TaskExecuting)

	// Releasing a still-processing task notifies the scheduler.
	assert.NoError(t, stream.Write(map[string]any{
		"op":    protocol.OpReleaseTask,
		"key":   "slow",
		"cause": "cancelled",
	}))

	released := awaitOp(t, incoming, protocol.OpRelease, "slow")
	assert.Equal(t, "cancelled", released.String("cause"))

	_, ok := w.TaskState("slow")
	assert.False(t, ok)
}

func TestWorkerSessionClose(t *testing.T) {
	scheduler := startStubScheduler(t)

	w := newTestWorker(t, func(c *Config) { c.SchedulerURI = scheduler.addr })
	assert.NoError(t, w.Start())

	conn, err := protocol.Dial(localAddr(w), time.Second)
	assert.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, conn.Write(map[string]any{"op": protocol.OpClose}))

	assert.Eventually(t, w.isClosed, 5*time.Second, time.Millisecond)
}

func TestRegistrationRejected(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer listener.Close()

	go func() {
		for {
			raw, err := listener.Accept()
			if err != nil {
				return
			}
			conn := protocol.NewConn(raw)
			go func() {
				defer conn.Close()
				if _, err := conn.Read(); err == nil {
					conn.Write("denied")
				}
			}()
		}
	}()

	addr := protocol.FormatAddr("127.0.0.1", listener.Addr().(*net.TCPAddr).Port)
	w := newTestWorker(t, func(c *Config) { c.SchedulerURI = addr })

	err = w.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestTaskEvents(t *testing.T) {
	w := newTestWorker(t)

	consumer := w.Events().NewConsumer()
	defer consumer.Close()

	assert.NoError(t, w.AddTask(&TaskRequest{Key: "a", Priority: []int{0}, Fn: []byte("const42")}))
	waitForState(t, w, "a", TaskMemory)

	var seen []TaskState
	deadline := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case event := <-consumer.Chan:
			assert.Equal(t, "a", event.Key)
			seen = append(seen, event.To)
		case <-deadline:
			t.Fatal("missing task events")
		}
	}
	assert.Equal(t, []TaskState{TaskReady, TaskExecuting, TaskMemory}, seen)
}
