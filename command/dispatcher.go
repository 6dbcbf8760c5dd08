// Package command provides the background command dispatcher: a priority work
// queue drained by a bounded worker pool, with a registry of command states
// that callers can poll or wait on.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPriority is used when EnqueueOptions.Priority is zero.
const DefaultPriority = 2

// Defaults for Dispatcher options.
const (
	DefaultWorkers         = 4
	DefaultRetention       = 5 * time.Minute
	DefaultJanitorInterval = 30 * time.Second
)

var (
	// ErrCommandNotFound is returned for run IDs that are unknown or already purged.
	ErrCommandNotFound = errors.New("command not found")

	// ErrDuplicateRun is returned when enqueuing a run ID that is still active.
	ErrDuplicateRun = errors.New("command with this run ID is already active")

	// ErrDispatcherStopped is returned by Enqueue and Start after Stop.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Handler does the work of a command. Returning a nil error with the zero
// Result counts as success. Handlers must honour ctx cancellation.
type Handler func(ctx context.Context, run *Run) (Result, error)

// WorkItem is one queued command.
type WorkItem struct {
	RunID         string
	OperationName string
	ThreadScope   string
	Metadata      map[string]string
	Priority      int
	Sequence      uint64
	Handler       Handler

	index int
}

// EnqueueOptions are the optional parts of an enqueue request.
type EnqueueOptions struct {
	// RunID is generated when empty.
	RunID       string
	ThreadScope string
	Metadata    map[string]string
	// Priority: lower runs first. Zero means DefaultPriority.
	Priority int
}

// Broadcaster receives a snapshot on every command transition. Implementations
// are best-effort: they must not block for long and cannot fail the caller.
type Broadcaster interface {
	PublishSnapshot(ctx context.Context, s Snapshot)
}

type nopBroadcaster struct{}

func (nopBroadcaster) PublishSnapshot(context.Context, Snapshot) {}

// Handle refers to an enqueued command.
type Handle struct {
	RunID string
	e     *entry
}

// Done is closed when the command reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.e.done
}

// Result returns the command's result. It is the zero Result until Done is closed.
func (h *Handle) Result() Result {
	select {
	case <-h.e.done:
		return h.e.result
	default:
		return Result{}
	}
}

// Run is the handler's view of its own command.
type Run struct {
	ID            string
	OperationName string
	Metadata      map[string]string

	d *Dispatcher
}

// UpdateStep reports step progress for this run.
func (r *Run) UpdateStep(current, maxStep int, description string) {
	_ = r.d.UpdateStep(r.ID, current, maxStep, description)
}

// UpdateRetry reports the retry count of the current step.
func (r *Run) UpdateRetry(retryCount int) {
	_ = r.d.UpdateRetry(r.ID, retryCount)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRetention sets how long terminal commands stay waitable.
func WithRetention(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.retention = ttl
	}
}

// WithJanitorInterval sets how often expired terminal commands are purged.
func WithJanitorInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.janitorInterval = interval
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithBroadcaster sets the snapshot sink.
func WithBroadcaster(b Broadcaster) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.broadcaster = b
		}
	}
}

// WithRegisterer sets where dispatcher metrics are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) {
		d.registerer = reg
	}
}

// Dispatcher runs commands on a fixed pool of workers.
type Dispatcher struct {
	queue       *Queue
	registry    *registry
	broadcaster Broadcaster
	registerer  prometheus.Registerer
	metrics     *metrics
	logger      *slog.Logger

	workers         int
	retention       time.Duration
	janitorInterval time.Duration
	seq             atomic.Uint64

	// Lifecycle
	mu      sync.Mutex
	running bool
	stopped bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to begin executing commands;
// commands enqueued before Start wait in the queue.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:           NewQueue(),
		registry:        newRegistry(),
		broadcaster:     nopBroadcaster{},
		logger:          slog.Default(),
		workers:         DefaultWorkers,
		retention:       DefaultRetention,
		janitorInterval: DefaultJanitorInterval,
		baseCtx:         context.Background(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.registerer == nil {
		d.registerer = prometheus.NewRegistry()
	}
	d.metrics = newMetrics(d.registerer)
	return d
}

// Start launches the worker pool and the retention janitor.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.baseCtx = runCtx
	d.cancel = cancel
	d.running = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx, i)
	}
	d.wg.Add(1)
	go d.janitor(runCtx)

	d.logger.Info("Command dispatcher started",
		"workers", d.workers,
		"retention", d.retention)
	return nil
}

// Stop cancels running handlers, waits for workers to exit and cancels
// commands still in the queue. A stopped dispatcher rejects new commands.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.running {
		d.running = false
		d.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()

	drained := d.queue.Drain()
	for _, item := range drained {
		d.complete(context.Background(), item, StatusCancelled, Result{Message: "dispatcher stopped"}, time.Time{})
	}
	d.metrics.depth.Set(0)

	d.logger.Info("Command dispatcher stopped", "cancelled_queued", len(drained))
}

// Enqueue accepts a command and returns immediately.
func (d *Dispatcher) Enqueue(operationName string, handler Handler, opts EnqueueOptions) (*Handle, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if operationName == "" {
		return nil, fmt.Errorf("operation name is required")
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}

	item := &WorkItem{
		RunID:         runID,
		OperationName: operationName,
		ThreadScope:   opts.ThreadScope,
		Metadata:      maps.Clone(opts.Metadata),
		Priority:      priority,
		Sequence:      d.seq.Add(1),
		Handler:       handler,
	}
	e := &entry{
		item: item,
		done: make(chan struct{}),
		state: Snapshot{
			RunID:         runID,
			OperationName: operationName,
			ThreadScope:   opts.ThreadScope,
			Metadata:      maps.Clone(opts.Metadata),
			Priority:      priority,
			Status:        StatusQueued,
			EnqueuedAt:    time.Now(),
			sequence:      item.Sequence,
		},
	}

	// Held across add and push so Stop cannot drain between them.
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, fmt.Errorf("enqueue %s: %w", runID, ErrDispatcherStopped)
	}
	if !d.registry.add(e) {
		d.mu.Unlock()
		return nil, fmt.Errorf("enqueue %s: %w", runID, ErrDuplicateRun)
	}
	d.queue.Push(item)
	ctx := d.baseCtx
	d.mu.Unlock()

	d.metrics.enqueued.WithLabelValues(operationName).Inc()
	d.metrics.depth.Set(float64(d.queue.Len()))
	d.publish(ctx, e.snapshot())

	d.logger.Debug("Command enqueued",
		"run_id", runID,
		"operation", operationName,
		"priority", priority)

	return &Handle{RunID: runID, e: e}, nil
}

// ActiveCommands lists queued and running commands ordered by enqueue time.
func (d *Dispatcher) ActiveCommands() []Snapshot {
	return d.registry.listActive()
}

// Get returns the snapshot of an active or recently completed command.
func (d *Dispatcher) Get(runID string) (Snapshot, bool) {
	e, ok := d.registry.lookup(runID)
	if !ok {
		return Snapshot{}, false
	}
	d.registry.mu.RLock()
	defer d.registry.mu.RUnlock()
	return e.snapshot(), true
}

// UpdateStep records step progress on an active command.
func (d *Dispatcher) UpdateStep(runID string, current, maxStep int, description string) error {
	snap, ok := d.registry.update(runID, func(e *entry) {
		e.state.CurrentStep = current
		e.state.MaxStep = maxStep
		e.state.StepDescription = description
	})
	if !ok {
		return ErrCommandNotFound
	}
	d.publish(d.context(), snap)
	return nil
}

// UpdateRetry records the retry count on an active command.
func (d *Dispatcher) UpdateRetry(runID string, retryCount int) error {
	snap, ok := d.registry.update(runID, func(e *entry) {
		e.state.RetryCount = retryCount
	})
	if !ok {
		return ErrCommandNotFound
	}
	d.publish(d.context(), snap)
	return nil
}

// WaitForCompletion blocks until the command finishes or ctx is done. A done
// ctx only abandons the wait; the command keeps running. Unknown or purged
// run IDs return ErrCommandNotFound.
func (d *Dispatcher) WaitForCompletion(ctx context.Context, runID string) (Result, error) {
	e, ok := d.registry.lookup(runID)
	if !ok {
		return Result{}, ErrCommandNotFound
	}

	select {
	case <-e.done:
		return e.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel stops a command. A queued command ends cancelled without running; a
// running command has its handler context cancelled. Commands that are no
// longer active return ErrCommandNotFound.
func (d *Dispatcher) Cancel(runID string) error {
	if item, ok := d.queue.Remove(runID); ok {
		d.metrics.depth.Set(float64(d.queue.Len()))
		d.complete(d.context(), item, StatusCancelled, Result{Message: "cancelled before start"}, time.Time{})
		return nil
	}

	var cancel func()
	_, ok := d.registry.update(runID, func(e *entry) {
		e.cancelRequested = true
		cancel = e.cancel
	})
	if !ok {
		return ErrCommandNotFound
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func (d *Dispatcher) context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baseCtx
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := d.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.queue.Ready():
				continue
			}
		}
		d.metrics.depth.Set(float64(d.queue.Len()))
		d.execute(ctx, id, item)
	}
}

// execute runs one item. Nothing the handler does can escape to the worker loop.
func (d *Dispatcher) execute(ctx context.Context, workerID int, item *WorkItem) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	var preCancelled bool
	snap, ok := d.registry.update(item.RunID, func(e *entry) {
		e.state.Status = StatusRunning
		e.state.StartedAt = &started
		e.cancel = cancel
		preCancelled = e.cancelRequested
	})
	if !ok {
		return
	}
	if preCancelled {
		cancel()
	}

	d.metrics.running.Inc()
	d.publish(ctx, snap)
	d.logger.Info("Command started",
		"run_id", item.RunID,
		"operation", item.OperationName,
		"worker", workerID)

	run := &Run{ID: item.RunID, OperationName: item.OperationName, Metadata: maps.Clone(item.Metadata), d: d}
	result, err := d.invoke(runCtx, item.Handler, run)
	d.metrics.running.Dec()

	status := StatusCompleted
	switch {
	case err != nil && errors.Is(err, context.Canceled) && runCtx.Err() != nil:
		status = StatusCancelled
		result = Result{Message: err.Error()}
	case err != nil:
		status = StatusFailed
		result = Result{Message: err.Error()}
	case result == (Result{}):
		result.Success = true
	case !result.Success:
		status = StatusFailed
	}

	if status == StatusFailed {
		d.logger.Warn("Command failed",
			"run_id", item.RunID,
			"operation", item.OperationName,
			"error", result.Message)
	}

	// Terminal bookkeeping uses a fresh context so it survives shutdown.
	d.complete(context.WithoutCancel(ctx), item, status, result, started)
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, run *Run) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Command handler panicked",
				"run_id", run.ID,
				"operation", run.OperationName,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, run)
}

func (d *Dispatcher) complete(ctx context.Context, item *WorkItem, status Status, result Result, started time.Time) {
	now := time.Now()
	e, snap, ok := d.registry.finish(item.RunID, status, result, now)
	if !ok {
		return
	}
	defer close(e.done)

	d.metrics.finished.WithLabelValues(item.OperationName, string(status)).Inc()
	if !started.IsZero() {
		d.metrics.duration.WithLabelValues(item.OperationName).Observe(now.Sub(started).Seconds())
	}
	d.publish(ctx, snap)

	d.logger.Info("Command finished",
		"run_id", item.RunID,
		"operation", item.OperationName,
		"status", status)
}

func (d *Dispatcher) publish(ctx context.Context, s Snapshot) {
	d.broadcaster.PublishSnapshot(ctx, s)
}

// janitor purges terminal commands past the retention window.
func (d *Dispatcher) janitor(ctx context.Context) {
	defer d.wg.Done()
	if d.janitorInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := d.registry.purge(now, d.retention); n > 0 {
				d.logger.Debug("Purged completed commands", "count", n)
			}
		}
	}
}
