package worker

import "fmt"

// Invariant checks invoked at every transition when validation is
// enabled. A violation is a programming error, not a runtime
// condition, and aborts.

func (w *Worker) invariant(ok bool, format string, args ...any) {
	if !ok {
		panic("invariant violation: " + fmt.Sprintf(format, args...))
	}
}

// Checks the per-state invariants of a task key. The caller must
// hold the worker's mutex.
func (w *Worker) validateKey(key string) {
	t, ok := w.tasks[key]
	if !ok {
		return
	}

	switch t.State {
	case TaskWaiting:
		for dep := range t.WaitingForData {
			_, inFlight := w.inFlightTasks[dep]
			_, missing := w.missingDepFlight[dep]
			_, known := w.deps[dep]
			w.invariant(inFlight || missing || known,
				"%s waits for %s which is neither in flight, missing nor known", key, dep)
		}

	case TaskReady:
		w.invariant(len(t.WaitingForData) == 0, "%s is ready but waits for data", key)
		for dep := range t.Dependencies {
			_, resident := w.data[dep]
			w.invariant(resident, "%s is ready but dependency %s is not resident", key, dep)
		}

	case TaskExecuting:
		_, executing := w.executing[key]
		w.invariant(executing, "%s is executing but not in the executing set", key)
		_, resident := w.data[key]
		w.invariant(!resident, "%s is executing but already resident", key)

	case TaskMemory:
		_, resident := w.data[key]
		w.invariant(resident, "%s is in memory but not resident", key)
		_, hasNbytes := w.nbytes[key]
		w.invariant(hasNbytes, "%s is in memory without nbytes", key)
		_, hasType := w.types[key]
		w.invariant(hasType, "%s is in memory without a type", key)
		w.invariant(len(t.WaitingForData) == 0, "%s is in memory but waits for data", key)
		w.invariant(!w.ready.Contains(readyItem{key: key}), "%s is in memory but still ready", key)
		_, executing := w.executing[key]
		w.invariant(!executing, "%s is in memory but still executing", key)
	}
}

// Checks the per-state invariants of a dep key. The caller must
// hold the worker's mutex.
func (w *Worker) validateDep(dep string) {
	rec, ok := w.deps[dep]
	if !ok {
		return
	}

	for peer := range rec.WhoHas {
		p, ok := w.peers[peer]
		w.invariant(ok, "holder %s of %s has no peer record", peer, dep)
		if ok {
			_, advertised := p.HasWhat[dep]
			w.invariant(advertised, "holder %s of %s does not advertise it", peer, dep)
		}
	}

	switch rec.State {
	case DepWaiting:
		w.invariant(len(rec.Dependents) > 0, "dep %s is waiting with no dependents", dep)
		_, hasNbytes := w.nbytes[dep]
		w.invariant(hasNbytes, "dep %s is waiting without a size hint", dep)

	case DepFlight:
		peer, inFlight := w.inFlightTasks[dep]
		w.invariant(inFlight, "dep %s is in flight with no fetching peer", dep)
		if flying, ok := w.inFlightWorkers[peer]; ok {
			_, member := flying[dep]
			w.invariant(member, "dep %s is in flight but absent from %s's batch", dep, peer)
		}

	case DepMemory:
		_, resident := w.data[dep]
		w.invariant(resident, "dep %s is in memory but not resident", dep)
	}
}

// Checks the cross-table invariants. Intended for quiescent points
// such as test checkpoints.
func (w *Worker) validateState() {
	for dep, rec := range w.deps {
		w.validateDep(dep)
		for peer := range rec.WhoHas {
			if p, ok := w.peers[peer]; ok {
				_, advertised := p.HasWhat[dep]
				w.invariant(advertised, "who_has/has_what asymmetry for %s at %s", dep, peer)
			}
		}
	}

	for peer, rec := range w.peers {
		for dep := range rec.HasWhat {
			d, ok := w.deps[dep]
			w.invariant(ok, "peer %s advertises unknown dep %s", peer, dep)
			if ok {
				_, holds := d.WhoHas[peer]
				w.invariant(holds, "has_what/who_has asymmetry for %s at %s", dep, peer)
			}
		}
	}

	for key := range w.tasks {
		w.validateKey(key)
	}

	w.invariant(len(w.inFlightWorkers) <= w.totalConnections,
		"%d peers in flight exceeds the budget of %d", len(w.inFlightWorkers), w.totalConnections)
}
