package worker

import (
	"time"

	"github.com/driftlab/husk/pkg/log"
	"github.com/driftlab/husk/pkg/utils"
)

// Tasks admitted per invocation before yielding. Bounds the drain
// so a flood of ready tasks cannot starve other activities.
const admitBatchSize = 64

// Promotes ready and constrained tasks into execution. Invoked
// after every event that might make work runnable. The caller must
// hold the worker's mutex.
func (w *Worker) ensureComputing() {
	admitted := 0

	// Constrained tasks are FIFO; a starving head blocks the queue
	// rather than being reordered.
	for w.constrained.Len() > 0 && len(w.executing) < w.ncores && admitted < admitBatchSize {
		front := w.constrained.Front()
		key := front.Value.(string)

		t, ok := w.tasks[key]
		if !ok || t.State != TaskConstrained {
			w.constrained.Remove(front)
			continue
		}

		if !w.resourcesSuffice(t.Resources) {
			break
		}

		w.constrained.Remove(front)
		w.transition(key, TaskExecuting, nil)
		admitted++
	}

	for w.ready.Len() > 0 && len(w.executing) < w.ncores && admitted < admitBatchSize {
		item := w.ready.Pop()

		t, ok := w.tasks[item.key]
		if !ok {
			continue
		}
		if t.State != TaskReady && t.State != TaskConstrained {
			continue
		}

		w.transition(item.key, TaskExecuting, nil)
		admitted++
	}

	if admitted == admitBatchSize {
		go w.wake()
	}
}

func (w *Worker) resourcesSuffice(required map[string]float64) bool {
	for name, quantity := range required {
		if w.availableResources[name] < quantity {
			return false
		}
	}
	return true
}

// Re-enters the admission and gather loops from a fresh goroutine.
func (w *Worker) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensureComputing()
	w.ensureCommunicating()
}

// Runs a task to completion. Called on its own goroutine after the
// transition into executing.
func (w *Worker) execute(key string) {
	w.mu.Lock()
	t, ok := w.tasks[key]
	if !ok || t.State != TaskExecuting {
		w.mu.Unlock()
		return
	}
	fn := t.Fn
	args := w.packData(t.Args)
	kwargs := w.packKwargs(t.Kwargs)
	w.mu.Unlock()

	start := time.Now()
	value, err := w.loader.Invoke(w.ctx, fn, args, kwargs)
	stop := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	// The key may have been released or reassigned while the
	// callable ran. Discard the result silently.
	current, ok := w.tasks[key]
	if !ok || current != t || current.State != TaskExecuting {
		log.Debugf("exe - %s: discarding result, key no longer executing", key)
		return
	}

	w.startstops[key] = append(w.startstops[key], startstop{"execute", unixSeconds(start), unixSeconds(stop)})

	if err != nil {
		log.Debugf("exe - %s: failed after %v: %v", key, stop.Sub(start), err)
		w.exceptions[key] = err.Error()
		if detailed, ok := err.(utils.DetailedError); ok {
			w.tracebacks[key] = detailed.Details()
		} else {
			w.tracebacks[key] = err.Error()
		}
		w.transition(key, TaskError, nil)
	} else {
		log.Debugf("exe - %s: finished in %v", key, stop.Sub(start))
		w.transition(key, TaskMemory, &transitionArgs{value: value, haveValue: true})
	}

	w.ensureComputing()
	w.ensureCommunicating()
}

// Substitutes arguments that name a key in local memory with that
// key's value.
func (w *Worker) packData(args []any) []any {
	packed := make([]any, len(args))
	for i, arg := range args {
		packed[i] = w.packArg(arg)
	}
	return packed
}

func (w *Worker) packKwargs(kwargs map[string]any) map[string]any {
	if kwargs == nil {
		return nil
	}
	packed := make(map[string]any, len(kwargs))
	for name, arg := range kwargs {
		packed[name] = w.packArg(arg)
	}
	return packed
}

func (w *Worker) packArg(arg any) any {
	if key, ok := arg.(string); ok {
		if value, ok := w.data[key]; ok {
			return value
		}
	}
	return arg
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
