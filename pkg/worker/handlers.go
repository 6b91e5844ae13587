package worker

import (
	"fmt"
	"sort"

	"github.com/driftlab/husk/pkg/log"
	"github.com/driftlab/husk/pkg/protocol"
	"github.com/driftlab/husk/pkg/utils"
)

// A task assignment as received from the scheduler.
type TaskRequest struct {
	Key      string
	Priority []int

	// Peer addresses per dependency key.
	WhoHas map[string][]string

	// Size hints per dependency key.
	Nbytes map[string]int64

	// Estimated compute cost in seconds.
	Duration float64

	// Required resource quantities, or nil.
	Resources map[string]float64

	// Serialized callable and its opaque arguments.
	Fn     []byte
	Args   []any
	Kwargs map[string]any

	// Optional client-side completion sink.
	Future Future
}

// Ingests a task assignment and builds its dependency graph
// fragment. Idempotent for known keys. The caller must hold the
// worker's mutex.
func (w *Worker) addTask(req *TaskRequest) error {
	if req.Key == "" || len(req.Priority) == 0 {
		return utils.ErrBadRequest
	}

	key := req.Key

	// Break priority ties deterministically in submission order.
	priority := insertCounter(req.Priority, w.priorityCounter)

	if t, ok := w.tasks[key]; ok {
		switch t.State {
		case TaskMemory, TaskError:
			w.sendTaskStateToScheduler(key)
		default:
		}
		return nil
	}

	if rec, ok := w.deps[key]; ok && rec.State == DepMemory {
		// The key already arrived as a dependency; promote it.
		w.tasks[key] = &TaskRecord{
			State:          TaskMemory,
			Priority:       priority,
			Duration:       req.Duration,
			Dependencies:   map[string]struct{}{},
			WaitingForData: map[string]struct{}{},
		}
		w.sendTaskStateToScheduler(key)
		return nil
	}

	fn, err := w.loader.Decode(req.Fn)
	if err != nil {
		log.Warnf("new - %s: undeserializable payload: %v", key, err)
		w.exceptions[key] = err.Error()
		w.tracebacks[key] = err.Error()
		w.publish(protocol.TaskErredMsg{
			Op:        protocol.OpTaskErred,
			Status:    "error",
			Key:       key,
			Exception: w.exceptions[key],
			Traceback: w.tracebacks[key],
		})
		return nil
	}

	t := &TaskRecord{
		State:          TaskWaiting,
		Priority:       priority,
		Duration:       req.Duration,
		Fn:             fn,
		Args:           req.Args,
		Kwargs:         req.Kwargs,
		Future:         req.Future,
		Dependencies:   map[string]struct{}{},
		WaitingForData: map[string]struct{}{},
	}
	if len(req.Resources) > 0 {
		t.Resources = req.Resources
	}
	w.tasks[key] = t

	for dep, size := range req.Nbytes {
		w.nbytes[dep] = size
	}

	for dep := range req.WhoHas {
		t.Dependencies[dep] = struct{}{}

		depState := DepWaiting
		if _, resident := w.data[dep]; resident {
			depState = DepMemory
		}
		rec := w.ensureDep(dep, depState)
		rec.Dependents[key] = struct{}{}

		if _, ok := w.nbytes[dep]; !ok {
			w.nbytes[dep] = 0
		}

		if rec.State != DepMemory {
			t.WaitingForData[dep] = struct{}{}
		}
	}

	for dep, peers := range req.WhoHas {
		if len(peers) == 0 {
			log.Errorf("new - %s: dependency %s announced with no holders", key, dep)
			continue
		}

		rec := w.deps[dep]
		for _, peer := range peers {
			if peer == w.addr {
				continue
			}
			w.addHolder(dep, peer)
			if rec.State != DepMemory {
				w.ensurePeer(peer).Pending = append(w.peers[peer].Pending, dep)
			}
		}
	}

	log.Debugf("new - %s: %d dependencies, %d to fetch", key, len(t.Dependencies), len(t.WaitingForData))

	if len(t.WaitingForData) > 0 {
		w.dataNeeded.PushBack(key)
	} else {
		w.transition(key, TaskReady, nil)
	}

	if w.validateEnabled {
		for dep := range t.Dependencies {
			if _, ok := w.deps[dep]; !ok {
				panic(fmt.Sprintf("dependency %s of %s has no dep record", dep, key))
			}
			if _, ok := w.nbytes[dep]; !ok {
				panic(fmt.Sprintf("dependency %s of %s has no size hint", dep, key))
			}
			w.validateDep(dep)
		}
		w.validateKey(key)
	}

	return nil
}

// Inserts the worker-local tie-break counter at position 2 of a
// priority tuple.
func insertCounter(priority []int, counter int) []int {
	at := 2
	if at > len(priority) {
		at = len(priority)
	}

	out := make([]int, 0, len(priority)+1)
	out = append(out, priority[:at]...)
	out = append(out, counter)
	out = append(out, priority[at:]...)
	return out
}

// Removes a task and its result tables. A stolen key is refused
// release while executing or already in memory. The caller must
// hold the worker's mutex.
func (w *Worker) releaseKey(key, cause, reason string) {
	t, ok := w.tasks[key]
	if !ok {
		return
	}

	if reason == "stolen" && (t.State == TaskExecuting || t.State == TaskMemory) {
		log.Debugf("rel - %s: refusing steal of %s task", key, t.State)
		return
	}

	state := t.State
	log.Debugf("rel - %s: releasing from %s, cause: %s", key, state, cause)

	delete(w.tasks, key)
	delete(w.executing, key)
	delete(w.longRunning, key)

	// Result tables stay while a dep record still references them.
	if _, isDep := w.deps[key]; !isDep {
		delete(w.data, key)
		delete(w.types, key)
		delete(w.nbytes, key)
	}
	delete(w.exceptions, key)
	delete(w.tracebacks, key)
	delete(w.startstops, key)

	for dep := range t.Dependencies {
		rec, ok := w.deps[dep]
		if !ok {
			continue
		}
		delete(rec.Dependents, key)
		if len(rec.Dependents) == 0 && (rec.State == DepWaiting || rec.State == DepFlight) {
			w.releaseDep(dep)
		}
	}

	if state.IsProcessing() {
		w.publish(protocol.ReleaseMsg{Op: protocol.OpRelease, Key: key, Cause: cause})
	}
}

// Removes a dep record, cascading to dependents that are not yet
// in memory. The caller must hold the worker's mutex.
func (w *Worker) releaseDep(dep string) {
	rec, ok := w.deps[dep]
	if !ok {
		return
	}

	log.Debugf("rel - dep %s: releasing from %s", dep, rec.State)

	delete(w.deps, dep)
	delete(w.inFlightTasks, dep)
	delete(w.missingDepFlight, dep)

	for peer := range rec.WhoHas {
		w.removeHolder(dep, peer)
	}

	// Result tables stay while a task record of the same name owns
	// them.
	if _, isTask := w.tasks[dep]; !isTask {
		delete(w.data, dep)
		delete(w.types, dep)
		delete(w.nbytes, dep)
		delete(w.startstops, dep)
	}

	for dependent := range rec.Dependents {
		t, ok := w.tasks[dependent]
		if !ok {
			continue
		}
		delete(t.Dependencies, dep)
		delete(t.WaitingForData, dep)
		if t.State != TaskMemory {
			w.releaseKey(dependent, dep, "")
		}
	}
}

// Drops local keys on scheduler request. With report set, the
// removal is announced back on the batched stream.
func (w *Worker) deleteData(keys []string, report bool) {
	for _, key := range keys {
		if _, ok := w.tasks[key]; ok {
			w.releaseKey(key, "", "")
		}
		if _, ok := w.deps[key]; ok {
			w.releaseDep(key)
		}
	}

	log.Debugf("del - dropped %d keys", len(keys))

	if report {
		w.publish(protocol.RemoveKeysMsg{
			Op:      protocol.OpRemoveKeys,
			Address: w.addr,
			Keys:    keys,
		})
	}
}

// Serves local values to a peer.
func (w *Worker) getData(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if value, ok := w.data[key]; ok {
			out[key] = value
		}
	}
	return out
}

// Lists the keys resident in local memory, sorted.
func (w *Worker) localKeys() []string {
	keys := make([]string, 0, len(w.data))
	for key := range w.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
