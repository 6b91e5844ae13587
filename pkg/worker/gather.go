package worker

import (
	"fmt"
	"time"

	"github.com/driftlab/husk/pkg/log"
	"github.com/driftlab/husk/pkg/protocol"
)

// Scheduler lookups tolerated before a dep is declared bad and its
// dependents failed.
const maxSuspiciousCount = 5

// Picks dependencies to fetch, batches them per peer and opens
// connections up to the connection budget. The caller must hold
// the worker's mutex.
func (w *Worker) ensureCommunicating() {
	for w.dataNeeded.Len() > 0 && len(w.inFlightWorkers) < w.totalConnections {
		front := w.dataNeeded.Front()
		key := front.Value.(string)

		t, ok := w.tasks[key]
		if !ok || t.State != TaskWaiting {
			w.dataNeeded.Remove(front)
			continue
		}

		var fetchable, missing []string
		inFlight := false
		for dep := range t.Dependencies {
			rec, ok := w.deps[dep]
			if !ok {
				continue
			}
			switch rec.State {
			case DepFlight:
				inFlight = true
			case DepWaiting:
				if len(rec.WhoHas) == 0 {
					missing = append(missing, dep)
				} else {
					fetchable = append(fetchable, dep)
				}
			}
		}

		if len(missing) > 0 {
			lookups := make([]string, 0, len(missing))
			for _, dep := range missing {
				if _, ok := w.missingDepFlight[dep]; !ok {
					w.missingDepFlight[dep] = struct{}{}
					lookups = append(lookups, dep)
				}
			}
			if len(lookups) > 0 {
				go w.handleMissingDep(lookups...)
			}
		}

		progress := false
		for _, dep := range fetchable {
			if len(w.inFlightWorkers) >= w.totalConnections {
				break
			}

			rec := w.deps[dep]
			if rec == nil || rec.State != DepWaiting {
				// Already picked up by an earlier batch.
				continue
			}

			peer := w.pickPeer(rec.WhoHas)
			if peer == "" {
				// Every holder has an outstanding fetch.
				inFlight = true
				continue
			}

			batch := w.selectKeysForGather(peer, dep)

			flying := make(map[string]struct{}, len(batch))
			for _, picked := range batch {
				flying[picked] = struct{}{}
				w.transitionDep(picked, DepFlight, &transitionArgs{peer: peer})
			}
			w.inFlightWorkers[peer] = flying

			log.Debugf("com - fetching %d keys from %s", len(batch), peer)
			go w.gatherDep(peer, batch)

			progress = true
			inFlight = true
		}

		if !inFlight && !progress {
			// Nothing left to fetch for this task.
			w.dataNeeded.Remove(front)
			continue
		}

		if !progress {
			// The head is blocked on busy peers or outstanding
			// flights; later responses re-enter this loop.
			break
		}
	}
}

// Chooses a holder uniformly at random, excluding peers that
// already have an outstanding fetch.
func (w *Worker) pickPeer(holders map[string]struct{}) string {
	candidates := make([]string, 0, len(holders))
	for peer := range holders {
		if _, busy := w.inFlightWorkers[peer]; busy {
			continue
		}
		candidates = append(candidates, peer)
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[w.rng.Intn(len(candidates))]
}

// Extends a batch for a peer with other pending deps, up to the
// target message size.
func (w *Worker) selectKeysForGather(peer, seed string) []string {
	batch := []string{seed}
	total := w.nbytes[seed]
	picked := map[string]struct{}{seed: {}}

	rec, ok := w.peers[peer]
	if !ok {
		return batch
	}

	for len(rec.Pending) > 0 {
		candidate := rec.Pending[0]

		if _, dup := picked[candidate]; dup {
			rec.Pending = rec.Pending[1:]
			continue
		}

		dep, ok := w.deps[candidate]
		if !ok || dep.State != DepWaiting {
			rec.Pending = rec.Pending[1:]
			continue
		}

		if total+w.nbytes[candidate] > w.targetMessageSize {
			break
		}

		rec.Pending = rec.Pending[1:]
		batch = append(batch, candidate)
		picked[candidate] = struct{}{}
		total += w.nbytes[candidate]
	}

	return batch
}

// Fetches a batch of deps from a peer. Runs on its own goroutine;
// the mutex is not held across the RPC.
func (w *Worker) gatherDep(peer string, batch []string) {
	start := time.Now()
	reply, err := protocol.Request(peer, w.connectTimeout, protocol.GetDataMsg{
		Op:    protocol.OpGetData,
		Keys:  batch,
		Who:   w.addr,
		Reply: true,
	})
	stop := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		log.Debugf("com - fetch from %s failed: %v", peer, err)
		w.purgePeer(peer)
	} else {
		received := make([]string, 0, len(batch))
		for _, dep := range batch {
			if reply.Has(dep) {
				received = append(received, dep)
			}
		}
		if len(received) > 0 {
			w.publish(protocol.AddKeysMsg{Op: protocol.OpAddKeys, Keys: received})
		}
	}

	for _, dep := range batch {
		rec, ok := w.deps[dep]
		if !ok || rec.State != DepFlight {
			continue
		}

		if err == nil && reply.Has(dep) {
			w.startstops[dep] = append(w.startstops[dep], startstop{"transfer", unixSeconds(start), unixSeconds(stop)})
			w.transitionDep(dep, DepMemory, &transitionArgs{value: reply[dep], haveValue: true})
		} else {
			w.transitionDep(dep, DepWaiting, nil)
		}
	}

	delete(w.inFlightWorkers, peer)

	w.ensureComputing()
	w.ensureCommunicating()
}

// Forgets every advertisement of a failed peer, pruning emptied
// who_has entries.
func (w *Worker) purgePeer(peer string) {
	rec, ok := w.peers[peer]
	if !ok {
		return
	}

	for dep := range rec.HasWhat {
		if d, ok := w.deps[dep]; ok {
			delete(d.WhoHas, peer)
		}
	}
	delete(w.peers, peer)
}

// Merges a scheduler who_has reply into the local peer tables.
func (w *Worker) updateWhoHas(whoHas map[string][]string) {
	for dep, peers := range whoHas {
		rec, ok := w.deps[dep]
		if !ok {
			continue
		}

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
}

// Asks the scheduler for holders of deps with no known peers.
// Deps that stay unlocatable past the suspicion limit are declared
// bad and their dependents failed.
func (w *Worker) handleMissingDep(deps ...string) {
	w.mu.Lock()

	var ask []string
	for _, dep := range deps {
		rec, ok := w.deps[dep]
		if !ok || len(rec.Dependents) == 0 {
			delete(w.missingDepFlight, dep)
			continue
		}
		if rec.Suspicious > maxSuspiciousCount {
			delete(w.missingDepFlight, dep)
			w.badDep(dep)
			continue
		}
		ask = append(ask, dep)
	}

	if len(ask) == 0 {
		w.ensureCommunicating()
		w.mu.Unlock()
		return
	}

	log.Debugf("com - asking scheduler for holders of %v", ask)
	w.mu.Unlock()

	reply, err := protocol.Request(w.schedulerAddr, w.connectTimeout, protocol.WhoHasMsg{
		Op:    protocol.OpWhoHas,
		Keys:  ask,
		Reply: true,
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	found := map[string][]string{}
	if err != nil {
		log.Warnf("com - who_has lookup failed: %v", err)
	} else {
		for dep := range reply {
			if peers := reply.Strings(dep); len(peers) > 0 {
				found[dep] = peers
			}
		}
	}
	w.updateWhoHas(found)

	for _, dep := range ask {
		rec, ok := w.deps[dep]
		if !ok {
			delete(w.missingDepFlight, dep)
			continue
		}

		rec.Suspicious++

		if len(found[dep]) > 0 {
			delete(w.missingDepFlight, dep)
			for dependent := range rec.Dependents {
				if t, ok := w.tasks[dependent]; ok && t.State == TaskWaiting {
					w.dataNeeded.PushFront(dependent)
				}
			}
			continue
		}

		if rec.Suspicious > maxSuspiciousCount {
			delete(w.missingDepFlight, dep)
			w.badDep(dep)
			continue
		}

		// No holders yet; ask again after a grace period.
		missing := dep
		time.AfterFunc(w.missingDepRetry, func() {
			w.handleMissingDep(missing)
		})
	}

	w.ensureComputing()
	w.ensureCommunicating()
}

// Gives up on a dep: every dependent task is failed and the dep is
// released. Failed dependents keep their task records.
func (w *Worker) badDep(dep string) {
	rec, ok := w.deps[dep]
	if !ok {
		return
	}

	log.Warnf("com - giving up on dep %s after %d lookups", dep, rec.Suspicious)

	message := fmt.Sprintf("Could not find dependent %s", dep)
	for dependent := range rec.Dependents {
		t, ok := w.tasks[dependent]
		if !ok {
			continue
		}
		if t.State == TaskWaiting {
			w.exceptions[dependent] = message
			w.tracebacks[dependent] = message
			w.transition(dependent, TaskError, nil)
		}
		if t.State == TaskError {
			// Detach failed dependents so that releasing the dep does
			// not cascade to them; they keep their error records.
			delete(rec.Dependents, dependent)
			delete(t.Dependencies, dep)
		}
	}

	w.releaseDep(dep)
}
