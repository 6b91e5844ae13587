package worker

import (
	"fmt"

	"github.com/driftlab/husk/pkg/log"
)

// A task state change, published to in-process observers.
type TaskEvent struct {
	Key  string
	From TaskState
	To   TaskState
}

// Optional inputs to a transition.
type transitionArgs struct {
	// The computed or fetched value, when one is carried.
	value     any
	haveValue bool

	// The peer a dep is fetched from. Required for waiting -> flight.
	peer string
}

type taskEdge struct {
	from, to TaskState
}

type taskTransitionFunc func(w *Worker, key string, t *TaskRecord, args *transitionArgs)

// The allowed task transitions. Any other edge is a programming
// error and rejected at lookup time.
var taskTransitions map[taskEdge]taskTransitionFunc

// Populated in init rather than the var initializer: the edge
// functions transitively call back into transition(), which reads
// taskTransitions, and a direct initializer would create a package
// initialization cycle.
func init() {
	taskTransitions = map[taskEdge]taskTransitionFunc{
		{TaskWaiting, TaskReady}:         (*Worker).transitionWaitingReady,
		{TaskWaiting, TaskMemory}:        (*Worker).transitionWaitingMemory,
		{TaskWaiting, TaskError}:         (*Worker).transitionWaitingError,
		{TaskReady, TaskExecuting}:       (*Worker).transitionReadyExecuting,
		{TaskReady, TaskMemory}:          (*Worker).transitionReadyMemory,
		{TaskConstrained, TaskExecuting}: (*Worker).transitionConstrainedExecuting,
		{TaskExecuting, TaskMemory}:      (*Worker).transitionExecutingMemory,
		{TaskExecuting, TaskError}:       (*Worker).transitionExecutingError,
	}
}

// Moves a task to a new state, applying the edge's effects.
// Illegal edges panic; a transition to the current state is a no-op.
func (w *Worker) transition(key string, to TaskState, args *transitionArgs) {
	t, ok := w.tasks[key]
	if !ok {
		log.Debugf("Transition of unknown key %s to %s ignored", key, to)
		return
	}

	from := t.State
	if from == to {
		log.Warnf("Transition of %s to current state %s", key, to)
		return
	}

	fn, ok := taskTransitions[taskEdge{from, to}]
	if !ok {
		panic(fmt.Sprintf("illegal task transition %s -> %s for %s", from, to, key))
	}

	log.Tracef("tsk - %s: %s -> %s", key, from, to)
	fn(w, key, t, args)

	w.events.Send(TaskEvent{Key: key, From: from, To: t.State})

	if w.validateEnabled {
		w.validateKey(key)
	}
}

func (w *Worker) transitionWaitingReady(key string, t *TaskRecord, args *transitionArgs) {
	t.WaitingForData = map[string]struct{}{}

	if len(t.Resources) > 0 {
		t.State = TaskConstrained
		w.constrained.PushBack(key)
		return
	}

	t.State = TaskReady
	w.ready.Push(readyItem{priority: t.Priority, key: key})
}

func (w *Worker) transitionWaitingMemory(key string, t *TaskRecord, args *transitionArgs) {
	t.WaitingForData = map[string]struct{}{}
	t.State = TaskMemory
	w.sendTaskStateToScheduler(key)
}

// The edge taken when dependency recovery gives up on a dep this
// task reads. The exception tables are filled by the caller.
func (w *Worker) transitionWaitingError(key string, t *TaskRecord, args *transitionArgs) {
	t.WaitingForData = map[string]struct{}{}
	t.State = TaskError
	if t.Future != nil {
		t.Future.Reject(fmt.Errorf("%s", w.exceptions[key]))
	}
	w.sendTaskStateToScheduler(key)
}

func (w *Worker) transitionReadyExecuting(key string, t *TaskRecord, args *transitionArgs) {
	t.State = TaskExecuting
	w.executing[key] = struct{}{}
	go w.execute(key)
}

// Covers the race where a peer delivered the computed result
// before the task was admitted.
func (w *Worker) transitionReadyMemory(key string, t *TaskRecord, args *transitionArgs) {
	t.State = TaskMemory
	w.ready.Remove(readyItem{key: key})
	w.sendTaskStateToScheduler(key)
}

func (w *Worker) transitionConstrainedExecuting(key string, t *TaskRecord, args *transitionArgs) {
	for name, quantity := range t.Resources {
		w.availableResources[name] -= quantity
		if w.availableResources[name] < 0 {
			panic(fmt.Sprintf("resource %s driven below zero by %s", name, key))
		}
	}

	t.State = TaskExecuting
	w.executing[key] = struct{}{}
	go w.execute(key)
}

func (w *Worker) transitionExecutingMemory(key string, t *TaskRecord, args *transitionArgs) {
	w.refundResources(t)
	delete(w.executing, key)
	w.executedCount++

	t.State = TaskMemory
	if args != nil && args.haveValue {
		w.putKeyInMemory(key, args.value, -1)
	}

	if rec, ok := w.deps[key]; ok && rec.State == DepWaiting {
		w.transitionDep(key, DepMemory, nil)
	}

	if t.Future != nil {
		t.Future.Resolve(w.data[key])
	}

	w.sendTaskStateToScheduler(key)
}

func (w *Worker) transitionExecutingError(key string, t *TaskRecord, args *transitionArgs) {
	w.refundResources(t)
	delete(w.executing, key)

	t.State = TaskError
	if t.Future != nil {
		t.Future.Reject(fmt.Errorf("%s", w.exceptions[key]))
	}
	w.sendTaskStateToScheduler(key)
}

func (w *Worker) refundResources(t *TaskRecord) {
	for name, quantity := range t.Resources {
		w.availableResources[name] += quantity
	}
}

type depEdge struct {
	from, to DepState
}

type depTransitionFunc func(w *Worker, dep string, rec *DepRecord, args *transitionArgs)

var depTransitions map[depEdge]depTransitionFunc

// See the taskTransitions init comment: avoids a package
// initialization cycle through transitionDep().
func init() {
	depTransitions = map[depEdge]depTransitionFunc{
		{DepWaiting, DepFlight}: (*Worker).transitionDepWaitingFlight,
		{DepFlight, DepWaiting}: (*Worker).transitionDepFlightWaiting,
		{DepFlight, DepMemory}:  (*Worker).transitionDepFlightMemory,
		{DepWaiting, DepMemory}: (*Worker).transitionDepWaitingMemory,
	}
}

// Moves a dep to a new state, applying the edge's effects.
func (w *Worker) transitionDep(dep string, to DepState, args *transitionArgs) {
	rec, ok := w.deps[dep]
	if !ok {
		log.Debugf("Transition of unknown dep %s to %s ignored", dep, to)
		return
	}

	from := rec.State
	if from == to {
		log.Warnf("Transition of dep %s to current state %s", dep, to)
		return
	}

	fn, ok := depTransitions[depEdge{from, to}]
	if !ok {
		panic(fmt.Sprintf("illegal dep transition %s -> %s for %s", from, to, dep))
	}

	log.Tracef("dep - %s: %s -> %s", dep, from, to)
	fn(w, dep, rec, args)

	if w.validateEnabled {
		if _, ok := w.deps[dep]; ok {
			w.validateDep(dep)
		}
	}
}

func (w *Worker) transitionDepWaitingFlight(dep string, rec *DepRecord, args *transitionArgs) {
	if args == nil || args.peer == "" {
		panic(fmt.Sprintf("dep %s sent to flight without a peer", dep))
	}
	rec.State = DepFlight
	w.inFlightTasks[dep] = args.peer
}

func (w *Worker) transitionDepFlightWaiting(dep string, rec *DepRecord, args *transitionArgs) {
	peer := w.inFlightTasks[dep]
	delete(w.inFlightTasks, dep)
	rec.State = DepWaiting

	// The chosen peer did not deliver; stop advertising it.
	w.removeHolder(dep, peer)

	if len(rec.WhoHas) == 0 {
		if _, ok := w.missingDepFlight[dep]; !ok {
			w.missingDepFlight[dep] = struct{}{}
			go w.handleMissingDep(dep)
		}
	}

	for dependent := range rec.Dependents {
		if t, ok := w.tasks[dependent]; ok && t.State == TaskWaiting {
			w.dataNeeded.PushFront(dependent)
		}
	}

	if len(rec.Dependents) == 0 {
		w.releaseDep(dep)
	}
}

func (w *Worker) transitionDepFlightMemory(dep string, rec *DepRecord, args *transitionArgs) {
	delete(w.inFlightTasks, dep)
	rec.State = DepMemory

	if args != nil && args.haveValue {
		w.putKeyInMemory(dep, args.value, -1)
	}
}

func (w *Worker) transitionDepWaitingMemory(dep string, rec *DepRecord, args *transitionArgs) {
	if _, ok := w.data[dep]; !ok {
		log.Errorf("Dep %s moved to memory without a resident value", dep)
	}
	rec.State = DepMemory
}

// The single writer of the data table. Fills nbytes and types,
// then unblocks dependent tasks. A second write for the same key
// is a no-op.
func (w *Worker) putKeyInMemory(key string, value any, size int64) {
	if _, ok := w.data[key]; !ok {
		w.data[key] = value
		if size < 0 {
			if hint, ok := w.nbytes[key]; ok && hint > 0 {
				size = hint
			} else {
				size = defaultSizeof(value)
			}
		}
		w.nbytes[key] = size
		w.types[key] = typeName(value)
	}

	for dependent := range w.dependentsOf(key) {
		t, ok := w.tasks[dependent]
		if !ok {
			continue
		}
		delete(t.WaitingForData, key)
		if len(t.WaitingForData) == 0 && t.State == TaskWaiting {
			w.transition(dependent, TaskReady, nil)
		}
	}

	if t, ok := w.tasks[key]; ok && (t.State == TaskWaiting || t.State == TaskReady) {
		w.transition(key, TaskMemory, nil)
	}
}

func (w *Worker) dependentsOf(key string) map[string]struct{} {
	if rec, ok := w.deps[key]; ok {
		return rec.Dependents
	}
	return nil
}
