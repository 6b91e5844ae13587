package worker

import (
	"testing"
	"time"

	"github.com/driftlab/husk/pkg/utils"
	"github.com/stretchr/testify/assert"
)

func TestAddTaskRejectsBadRequests(t *testing.T) {
	w := newTestWorker(t)

	err := w.AddTask(&TaskRequest{Key: "", Priority: []int{0}})
	assert.Equal(t, utils.ErrBadRequest, err)

	err = w.AddTask(&TaskRequest{Key: "a", Priority: nil})
	assert.Equal(t, utils.ErrBadRequest, err)
}

func TestAddTaskIdempotent(t *testing.T) {
	w := newTestWorker(t)

	assert.NoError(t, w.AddTask(&TaskRequest{Key: "a", Priority: []int{0}, Fn: []byte("const42")}))
	waitForState(t, w, "a", TaskMemory)

	// Re-assignment of a finished key republishes and changes
	// nothing.
	assert.NoError(t, w.AddTask(&TaskRequest{Key: "a", Priority: []int{0}, Fn: []byte("boom")}))

	state, _ := w.TaskState("a")
	assert.Equal(t, TaskMemory, state)
	value, _ := w.Value("a")
	assert.Equal(t, 42, value)
}

func TestAddTaskUndeserializablePayload(t *testing.T) {
	w := newTestWorker(t)

	assert.NoError(t, w.AddTask(&TaskRequest{Key: "a", Priority: []int{0}, Fn: []byte("no-such-fn")}))

	// No task record is created; the failure is recorded per key.
	_, ok := w.TaskState("a")
	assert.False(t, ok)

	w.mu.Lock()
	assert.Contains(t, w.exceptions["a"], "no-such-fn")
	w.mu.Unlock()
}

// Announcing a dep that is already resident does not refetch it.
func TestFetchIdempotence(t *testing.T) {
	w := newTestWorker(t)

	peer := startStubPeer(t, map[string]any{"b": 1})

	assert.NoError(t, w.AddTask(&TaskRequest{Key: "b", Priority: []int{0}, Fn: []byte("const42")}))
	waitForState(t, w, "b", TaskMemory)

	// The dep is already resident; no fetch may be issued.
	assert.NoError(t, w.AddTask(&TaskRequest{
		Key:      "c",
		Priority: []int{1},
		Fn:       []byte("incr"),
		Args:     []any{"b"},
		WhoHas:   map[string][]string{"b": {peer.addr}},
		Nbytes:   map[string]int64{"b": 8},
	}))

	waitForState(t, w, "c", TaskMemory)

	value, _ := w.Value("c")
	assert.Equal(t, int64(43), value)

	assert.Equal(t, 0, peer.timesServed())

	w.mu.Lock()
	assert.Equal(t, 0, w.dataNeeded.Len())
	w.validateState()
	w.mu.Unlock()
}

func TestAddTaskPromotesResidentDep(t *testing.T) {
	w := newTestWorker(t)

	w.mu.Lock()
	w.ensureDep("b", DepMemory)
	w.putKeyInMemory("b", 7, 8)
	w.mu.Unlock()

	assert.NoError(t, w.AddTask(&TaskRequest{Key: "b", Priority: []int{0}, Fn: []byte("const42")}))

	state, ok := w.TaskState("b")
	assert.True(t, ok)
	assert.Equal(t, TaskMemory, state)
	value, _ := w.Value("b")
	assert.Equal(t, 7, value)
}

func TestReleaseKeyCascadesToDeps(t *testing.T) {
	w := newTestWorker(t)

	assert.NoError(t, w.AddTask(&TaskRequest{
		Key:      "c",
		Priority: []int{1},
		Fn:       []byte("incr"),
		Args:     []any{"b"},
		WhoHas:   map[string][]string{"b": {"tcp://127.0.0.1:9"}},
		Nbytes:   map[string]int64{"b": 8},
	}))

	w.ReleaseKey("c", "", "")

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.NotContains(t, w.tasks, "c")
	// The dep lost its only dependent and went with it.
	assert.NotContains(t, w.deps, "b")
	assert.NotContains(t, w.nbytes, "b")
}

func TestReleaseDepReleasesWaitingDependents(t *testing.T) {
	w := newTestWorker(t)

	assert.NoError(t, w.AddTask(&TaskRequest{
		Key:      "c",
		Priority: []int{1},
		Fn:       []byte("incr"),
		Args:     []any{"b"},
		WhoHas:   map[string][]string{"b": {"tcp://127.0.0.1:9"}},
		Nbytes:   map[string]int64{"b": 8},
	}))

	w.ReleaseDep("b")

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.NotContains(t, w.deps, "b")
	// The dependent was cascaded away, not left dangling.
	assert.NotContains(t, w.tasks, "c")
}

func TestDeleteData(t *testing.T) {
	w := newTestWorker(t)

	assert.NoError(t, w.AddTask(&TaskRequest{Key: "a", Priority: []int{0}, Fn: []byte("const42")}))
	waitForState(t, w, "a", TaskMemory)

	w.mu.Lock()
	w.deleteData([]string{"a", "unknown"}, true)
	w.mu.Unlock()

	_, ok := w.Value("a")
	assert.False(t, ok)
	_, ok = w.TaskState("a")
	assert.False(t, ok)
}

func TestLocalKeysSorted(t *testing.T) {
	w := newTestWorker(t)

	assert.NoError(t, w.AddTask(&TaskRequest{Key: "b", Priority: []int{0}, Fn: []byte("const42")}))
	assert.NoError(t, w.AddTask(&TaskRequest{Key: "a", Priority: []int{0}, Fn: []byte("const42")}))
	waitForState(t, w, "a", TaskMemory)
	waitForState(t, w, "b", TaskMemory)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, w.localKeys())
}

func TestStateBijection(t *testing.T) {
	w := newTestWorker(t)

	assert.NoError(t, w.AddTask(&TaskRequest{
		Key:      "c",
		Priority: []int{1},
		Fn:       []byte("sum"),
		Args:     []any{"x", "y"},
		WhoHas: map[string][]string{
			"x": {"tcp://10.0.0.1:1", "tcp://10.0.0.2:1"},
			"y": {"tcp://10.0.0.1:1"},
		},
		Nbytes: map[string]int64{"x": 8, "y": 8},
	}))

	// Fetches to the unreachable holders fail; symmetry must hold
	// at every quiescent point regardless.
	assert.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.validateState()
		return len(w.inFlightTasks) == 0
	}, 5*time.Second, 5*time.Millisecond)
}
