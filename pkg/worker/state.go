package worker

import (
	"container/list"
	"reflect"

	"github.com/driftlab/husk/pkg/utils"
	"github.com/vmihailenco/msgpack/v5"
)

// The lifecycle state of an assigned task.
type TaskState int

const (
	TaskWaiting TaskState = iota
	TaskReady
	TaskConstrained
	TaskExecuting
	TaskLongRunning
	TaskMemory
	TaskError
)

var taskStates = [...]string{
	TaskWaiting:     "waiting",
	TaskReady:       "ready",
	TaskConstrained: "constrained",
	TaskExecuting:   "executing",
	TaskLongRunning: "long-running",
	TaskMemory:      "memory",
	TaskError:       "error",
}

func (s TaskState) String() string {
	return taskStates[s]
}

// Returns true for states in which a release must be reported to
// the scheduler.
func (s TaskState) IsProcessing() bool {
	switch s {
	case TaskWaiting, TaskReady, TaskConstrained, TaskExecuting:
		return true
	default:
		return false
	}
}

// The lifecycle state of a dependency.
type DepState int

const (
	DepWaiting DepState = iota
	DepFlight
	DepMemory
)

var depStates = [...]string{
	DepWaiting: "waiting",
	DepFlight:  "flight",
	DepMemory:  "memory",
}

func (s DepState) String() string {
	return depStates[s]
}

// A task assigned to this worker by the scheduler.
type TaskRecord struct {
	State    TaskState
	Priority []int
	Duration float64

	// Required resource quantities, or nil.
	Resources map[string]float64

	// The deserialized callable and its arguments.
	Fn     Callable
	Args   []any
	Kwargs map[string]any

	// Optional client-side completion sink.
	Future Future

	// Keys this task reads.
	Dependencies map[string]struct{}

	// Subset of Dependencies not yet in local memory.
	WaitingForData map[string]struct{}
}

// A key this worker needs from, or serves to, other workers.
type DepRecord struct {
	State DepState

	// Peer addresses advertising this key.
	WhoHas map[string]struct{}

	// Task keys that read this key.
	Dependents map[string]struct{}

	// Scheduler holder lookups made for this key. Never reset.
	Suspicious int
}

// A peer worker observed through task assignments.
type PeerRecord struct {
	// Dep keys the peer advertises.
	HasWhat map[string]struct{}

	// Dep keys the fetcher may batch next time it opens a
	// connection to this peer.
	Pending []string
}

// An entry in the ready queue. Lower priority tuples admit first.
type readyItem struct {
	priority []int
	key      string
}

func readyCompare(a, b any) int {
	return comparePriority(a.(readyItem).priority, b.(readyItem).priority)
}

func readyEquals(a, b any) bool {
	return a.(readyItem).key == b.(readyItem).key
}

// Compares two priority tuples lexicographically. A shorter tuple
// that is a prefix of the other orders first.
func comparePriority(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// The worker's in-memory tables. All access is serialized through
// the owning worker's mutex.
type state struct {
	// Task, dependency and peer records.
	tasks map[string]*TaskRecord
	deps  map[string]*DepRecord
	peers map[string]*PeerRecord

	// Execution queues.
	ready       *utils.PriorityQueue[readyItem]
	constrained *list.List
	dataNeeded  *list.List
	executing   map[string]struct{}
	longRunning map[string]struct{}

	// Dep key to the peer currently fetching it.
	inFlightTasks map[string]string

	// Peer address to the dep keys currently fetched from it.
	inFlightWorkers map[string]map[string]struct{}

	// Deps under active scheduler lookup.
	missingDepFlight map[string]struct{}

	// Result tables.
	data       map[string]any
	types      map[string]string
	nbytes     map[string]int64
	exceptions map[string]string
	tracebacks map[string]string
	startstops map[string][]startstop

	// Resource quantities still available for admission.
	availableResources map[string]float64
}

type startstop struct {
	phase string
	start float64
	stop  float64
}

func newState(resources map[string]float64) state {
	available := map[string]float64{}
	for name, quantity := range resources {
		available[name] = quantity
	}

	return state{
		tasks:              map[string]*TaskRecord{},
		deps:               map[string]*DepRecord{},
		peers:              map[string]*PeerRecord{},
		ready:              utils.NewPriorityQueue[readyItem](readyCompare, readyEquals),
		constrained:        list.New(),
		dataNeeded:         list.New(),
		executing:          map[string]struct{}{},
		longRunning:        map[string]struct{}{},
		inFlightTasks:      map[string]string{},
		inFlightWorkers:    map[string]map[string]struct{}{},
		missingDepFlight:   map[string]struct{}{},
		data:               map[string]any{},
		types:              map[string]string{},
		nbytes:             map[string]int64{},
		exceptions:         map[string]string{},
		tracebacks:         map[string]string{},
		startstops:         map[string][]startstop{},
		availableResources: available,
	}
}

// Returns the dep record for a key, creating it in the given state
// if it does not exist.
func (s *state) ensureDep(dep string, depState DepState) *DepRecord {
	rec, ok := s.deps[dep]
	if !ok {
		rec = &DepRecord{
			State:      depState,
			WhoHas:     map[string]struct{}{},
			Dependents: map[string]struct{}{},
		}
		s.deps[dep] = rec
	}
	return rec
}

// Returns the peer record for an address, creating it on first use.
func (s *state) ensurePeer(addr string) *PeerRecord {
	rec, ok := s.peers[addr]
	if !ok {
		rec = &PeerRecord{
			HasWhat: map[string]struct{}{},
		}
		s.peers[addr] = rec
	}
	return rec
}

// Records that a peer advertises a dep. Keeps who_has and has_what
// symmetric.
func (s *state) addHolder(dep, peer string) {
	s.ensureDep(dep, DepWaiting).WhoHas[peer] = struct{}{}
	s.ensurePeer(peer).HasWhat[dep] = struct{}{}
}

// Forgets that a peer advertises a dep, pruning an emptied peer
// record. Keeps who_has and has_what symmetric.
func (s *state) removeHolder(dep, peer string) {
	if rec, ok := s.deps[dep]; ok {
		delete(rec.WhoHas, peer)
	}
	if rec, ok := s.peers[peer]; ok {
		delete(rec.HasWhat, dep)
		if len(rec.HasWhat) == 0 && len(rec.Pending) == 0 {
			delete(s.peers, peer)
		}
	}
}

// Estimated byte size for a value without an explicit size hint.
func defaultSizeof(value any) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 8
	}

	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return 0
	}
	return int64(len(encoded))
}

// Runtime type description for a value.
func typeName(value any) string {
	if value == nil {
		return "nil"
	}
	return reflect.TypeOf(value).String()
}
