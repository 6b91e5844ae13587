package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/driftlab/husk/pkg/log"
	"github.com/driftlab/husk/pkg/protocol"
	"github.com/driftlab/husk/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// A worker endpoint attached to a central scheduler. Accepts task
// assignments over the compute stream, fetches dependencies from
// peer workers, executes tasks and serves its own results.
//
// All state mutations are serialized through a single mutex; the
// mutex is never held across I/O.
type Worker struct {
	mu sync.Mutex
	state

	config *Config
	loader CodeLoader

	ncores            int
	totalConnections  int
	targetMessageSize int64
	connectTimeout    time.Duration
	missingDepRetry   time.Duration

	validateEnabled bool

	// Canonical contact address, tcp://host:port.
	addr          string
	schedulerAddr string

	listener net.Listener
	batched  *protocol.Batched
	events   *utils.Broadcast[TaskEvent]
	rng      *rand.Rand

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	// Admin ops received; injected into priorities as a tie-break.
	priorityCounter int
	executedCount   int

	isComputing bool
	closed      bool
}

func New(config *Config, loader CodeLoader) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, errors.New("A code loader is required")
	}

	targetMessageSize, err := utils.ParseSize(config.TargetMessageSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	return &Worker{
		state:             newState(config.Resources),
		config:            config,
		loader:            loader,
		ncores:            config.Ncores,
		totalConnections:  config.TotalConnections,
		targetMessageSize: targetMessageSize,
		connectTimeout:    config.ConnectTimeout,
		missingDepRetry:   config.MissingDepRetry,
		validateEnabled:   config.ValidateState,
		schedulerAddr:     config.SchedulerURI,
		events:            utils.NewBroadcast[TaskEvent](),
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		group:             group,
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// The worker's canonical contact address. Valid after Start.
func (w *Worker) Addr() string {
	return w.addr
}

// Task state change events, for in-process observers.
func (w *Worker) Events() *utils.Broadcast[TaskEvent] {
	return w.events
}

// Opens the public listener, registers with the scheduler and
// starts serving in the background.
func (w *Worker) Start() error {
	listener, port, err := w.listen()
	if err != nil {
		return err
	}

	w.listener = listener
	w.addr = protocol.CanonicalAddr(w.config.ListenHost, port)

	log.Info("Listening on", w.addr)

	if err := w.register(); err != nil {
		listener.Close()
		return err
	}

	w.group.Go(w.serve)
	w.group.Go(w.serveHttp)

	return nil
}

// Runs the worker until it is closed or fails.
func (w *Worker) Run() error {
	if err := w.Start(); err != nil {
		return err
	}
	return w.group.Wait()
}

// Shuts the worker down. Outstanding executions are not waited for;
// their context is cancelled.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	batched := w.batched
	w.mu.Unlock()

	log.Info("Terminating")

	if batched != nil {
		batched.Close()
	}
	w.cancel()
	if w.listener != nil {
		w.listener.Close()
	}
	w.events.Close()
	return nil
}

// Binds the public listener, retrying on busy ports within a small
// range.
func (w *Worker) listen() (net.Listener, int, error) {
	host := w.config.ListenHost

	for attempt := 0; attempt <= w.config.PortRetries; attempt++ {
		port := w.config.ListenPort
		if port != 0 {
			port += attempt
		}

		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return listener, listener.Addr().(*net.TCPAddr).Port, nil
		}
		if port == 0 {
			return nil, 0, err
		}

		log.Debugf("Port %d busy: %v", port, err)
	}

	return nil, 0, fmt.Errorf("no free port in %d..%d", w.config.ListenPort, w.config.ListenPort+w.config.PortRetries)
}

// Announces the worker to the scheduler. Any reply other than the
// literal "OK" is fatal.
func (w *Worker) register() error {
	hostID, _ := machineid.ID()

	w.mu.Lock()
	msg := protocol.RegisterMsg{
		Op:        protocol.OpRegister,
		Address:   w.addr,
		Ncores:    w.ncores,
		Keys:      w.localKeys(),
		Nbytes:    w.residentNbytes(),
		Now:       unixSeconds(time.Now()),
		Executing: len(w.executing),
		InMemory:  len(w.data),
		Ready:     w.ready.Len(),
		InFlight:  len(w.inFlightTasks),
		HostID:    hostID,
	}
	w.mu.Unlock()

	reply, err := protocol.RequestValue(w.schedulerAddr, w.connectTimeout, msg)
	if err != nil {
		return err
	}

	ok := false
	switch v := reply.(type) {
	case string:
		ok = v == "OK"
	case []byte:
		ok = string(v) == "OK"
	}
	if !ok {
		return fmt.Errorf("scheduler rejected registration: %v", reply)
	}

	log.Info("Registered with scheduler at", w.schedulerAddr)
	return nil
}

func (w *Worker) residentNbytes() map[string]int64 {
	out := make(map[string]int64, len(w.data))
	for key := range w.data {
		out[key] = w.nbytes[key]
	}
	return out
}

func (w *Worker) serve() error {
	for {
		raw, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.ctx.Done():
				return nil
			default:
				return err
			}
		}

		conn := protocol.NewConn(raw)
		w.group.Go(func() error {
			w.handleConn(conn)
			return nil
		})
	}
}

func (w *Worker) handleConn(conn *protocol.Conn) {
	defer conn.Close()

	isStream := false

	for {
		msgs, err := conn.Read()
		if err != nil {
			if err != io.EOF {
				log.Trace("Connection read error:", err)
			}
			if isStream && !w.isClosed() {
				// The scheduler stream never closes in normal
				// operation.
				log.Error("Scheduler stream closed unexpectedly")
				w.Close()
			}
			return
		}

		for _, msg := range msgs {
			stream, closing := w.handleMessage(conn, msg)
			isStream = isStream || stream
			if closing {
				return
			}
		}
	}
}

// Dispatches one incoming message. Returns whether the connection
// became the scheduler's compute stream and whether it should
// close.
func (w *Worker) handleMessage(conn *protocol.Conn, msg protocol.Message) (bool, bool) {
	op := msg.Op()
	isStream := false

	switch op {
	case protocol.OpComputeStream:
		w.mu.Lock()
		previous := w.batched
		w.isComputing = true
		w.batched = protocol.NewBatched(conn, w.config.BatchInterval)
		w.mu.Unlock()
		if previous != nil {
			previous.Close()
		}
		isStream = true
		log.Info("Compute stream opened by", conn.RemoteAddr())

	case protocol.OpGetData:
		keys := msg.Strings("keys")
		who := msg.String("who")
		w.mu.Lock()
		out := w.getData(keys)
		w.mu.Unlock()
		log.Debugf("get - serving %d of %d keys to %s", len(out), len(keys), who)
		w.reply(conn, msg, out)

	case protocol.OpKeys:
		w.mu.Lock()
		keys := w.localKeys()
		w.mu.Unlock()
		w.reply(conn, msg, keys)

	case protocol.OpDeleteData:
		w.mu.Lock()
		w.deleteData(msg.Strings("keys"), msg.Bool("report"))
		w.mu.Unlock()
		w.reply(conn, msg, "OK")

	case protocol.OpGather, protocol.OpTerminate:
		// Reserved admin operations.
		w.reply(conn, msg, map[string]any{
			"status":  "error",
			"message": utils.ErrNotImplemented.Error(),
		})

	case protocol.OpClose:
		w.Close()
		return isStream, true

	default:
		if w.computing() && w.handleStreamOp(op, msg) {
			break
		}
		log.Warn("Unknown operation:", op)
	}

	if msg.Bool("close") {
		return isStream, true
	}
	return isStream, false
}

// Operations recognized on the compute stream.
func (w *Worker) handleStreamOp(op string, msg protocol.Message) bool {
	switch op {
	case protocol.OpComputeTask:
		req := taskRequestFromMessage(msg)
		w.mu.Lock()
		if err := w.addTask(req); err != nil {
			log.Warnf("new - %s rejected: %v", req.Key, err)
		}
		w.priorityCounter++
		w.ensureComputing()
		w.ensureCommunicating()
		w.mu.Unlock()

	case protocol.OpReleaseTask:
		w.mu.Lock()
		w.releaseKey(msg.String("key"), msg.String("cause"), msg.String("reason"))
		w.priorityCounter++
		w.ensureComputing()
		w.ensureCommunicating()
		w.mu.Unlock()

	case protocol.OpStreamDelete:
		w.mu.Lock()
		w.deleteData(msg.Strings("keys"), msg.Bool("report"))
		w.priorityCounter++
		w.ensureComputing()
		w.ensureCommunicating()
		w.mu.Unlock()

	default:
		return false
	}
	return true
}

func taskRequestFromMessage(msg protocol.Message) *TaskRequest {
	req := &TaskRequest{
		Key:      msg.String("key"),
		Priority: msg.Ints("priority"),
		WhoHas:   msg.StringsMap("who_has"),
		Nbytes:   msg.Int64Map("nbytes"),
		Duration: msg.Float64("duration"),
		Fn:       msg.Bytes("func"),
		Kwargs:   map[string]any(msg.Map("kwargs")),
	}

	if args, ok := msg["args"].([]any); ok {
		req.Args = args
	}

	if restrictions := msg.Map("resource_restrictions"); restrictions != nil {
		req.Resources = map[string]float64{}
		for name := range restrictions {
			req.Resources[name] = restrictions.Float64(name)
		}
	}

	return req
}

func (w *Worker) reply(conn *protocol.Conn, msg protocol.Message, value any) {
	if msg.Has("reply") && !msg.Bool("reply") {
		return
	}
	if err := conn.Write(value); err != nil {
		log.Trace("Connection write error:", err)
	}
}

// Enqueues a message on the batched scheduler stream. Dropped with
// a log entry when no stream is open. The caller must hold the
// worker's mutex.
func (w *Worker) publish(msg any) {
	if w.batched == nil {
		log.Debugf("No compute stream, dropping %T", msg)
		return
	}
	w.batched.Send(msg)
}

// Publishes the state of a key by where it lives: data means
// finished, a recorded exception means erred. The caller must hold
// the worker's mutex.
func (w *Worker) sendTaskStateToScheduler(key string) {
	if _, ok := w.data[key]; ok {
		w.publish(protocol.TaskFinishedMsg{
			Op:         protocol.OpTaskFinished,
			Status:     "OK",
			Key:        key,
			Nbytes:     w.nbytes[key],
			Type:       w.types[key],
			Startstops: w.wireStartstops(key),
		})
		return
	}

	if exception, ok := w.exceptions[key]; ok {
		w.publish(protocol.TaskErredMsg{
			Op:         protocol.OpTaskErred,
			Status:     "error",
			Key:        key,
			Exception:  exception,
			Traceback:  w.tracebacks[key],
			Startstops: w.wireStartstops(key),
		})
		return
	}

	log.Errorf("pub - %s has neither a value nor an exception", key)
}

func (w *Worker) wireStartstops(key string) []protocol.Startstop {
	entries := w.startstops[key]
	if len(entries) == 0 {
		return nil
	}
	out := make([]protocol.Startstop, len(entries))
	for i, entry := range entries {
		out[i] = protocol.Startstop{Phase: entry.phase, Start: entry.start, Stop: entry.stop}
	}
	return out
}

func (w *Worker) computing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isComputing
}

func (w *Worker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// AddTask ingests a task assignment. Exported for in-process use;
// the wire path arrives via the compute stream.
func (w *Worker) AddTask(req *TaskRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.addTask(req); err != nil {
		return err
	}
	w.priorityCounter++
	w.ensureComputing()
	w.ensureCommunicating()
	return nil
}

// ReleaseKey removes a task and its results.
func (w *Worker) ReleaseKey(key, cause, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseKey(key, cause, reason)
	w.ensureComputing()
	w.ensureCommunicating()
}

// ReleaseDep removes a dependency record.
func (w *Worker) ReleaseDep(dep string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseDep(dep)
}

// TaskState reports the recorded state of a task key.
func (w *Worker) TaskState(key string) (TaskState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tasks[key]; ok {
		return t.State, true
	}
	return 0, false
}

// Value reports the resident value of a key.
func (w *Worker) Value(key string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	value, ok := w.data[key]
	return value, ok
}
