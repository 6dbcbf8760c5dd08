package command

import (
	"maps"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a command.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the outcome a command's completion resolves to.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Snapshot is an immutable copy of a command's state.
type Snapshot struct {
	RunID           string            `json:"run_id"`
	OperationName   string            `json:"operation_name"`
	ThreadScope     string            `json:"thread_scope,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Priority        int               `json:"priority"`
	Status          Status            `json:"status"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CurrentStep     int               `json:"current_step,omitempty"`
	MaxStep         int               `json:"max_step,omitempty"`
	StepDescription string            `json:"step_description,omitempty"`
	RetryCount      int               `json:"retry_count"`
	ErrorMessage    string            `json:"error_message,omitempty"`

	sequence uint64
}

// entry is the registry's mutable record for one command. Fields other than
// done and item are guarded by registry.mu.
type entry struct {
	item  *WorkItem
	state Snapshot

	result          Result
	done            chan struct{}
	cancel          func()
	cancelRequested bool
}

func (e *entry) snapshot() Snapshot {
	s := e.state
	s.Metadata = maps.Clone(e.state.Metadata)
	if e.state.StartedAt != nil {
		t := *e.state.StartedAt
		s.StartedAt = &t
	}
	if e.state.CompletedAt != nil {
		t := *e.state.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// registry tracks active commands and keeps terminal ones for a retention window.
type registry struct {
	mu        sync.RWMutex
	active    map[string]*entry
	completed map[string]*entry
}

func newRegistry() *registry {
	return &registry{
		active:    make(map[string]*entry),
		completed: make(map[string]*entry),
	}
}

// add registers a queued entry; false when runID is already active.
func (r *registry) add(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[e.state.RunID]; ok {
		return false
	}
	delete(r.completed, e.state.RunID)
	r.active[e.state.RunID] = e
	return true
}

func (r *registry) lookup(runID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.active[runID]; ok {
		return e, true
	}
	e, ok := r.completed[runID]
	return e, ok
}

// update mutates an active entry under the lock and returns the new snapshot.
func (r *registry) update(runID string, fn func(e *entry)) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[runID]
	if !ok {
		return Snapshot{}, false
	}
	fn(e)
	return e.snapshot(), true
}

// finish moves an entry to the completed set. It reports false when the entry
// already reached a terminal status, so completion resolves once. The caller
// closes e.done after its own terminal bookkeeping.
func (r *registry) finish(runID string, status Status, result Result, now time.Time) (*entry, Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[runID]
	if !ok || e.state.Status.IsTerminal() {
		return nil, Snapshot{}, false
	}
	e.state.Status = status
	e.state.CompletedAt = &now
	if !result.Success {
		e.state.ErrorMessage = result.Message
	}
	e.result = result
	delete(r.active, runID)
	r.completed[runID] = e
	return e, e.snapshot(), true
}

// listActive returns snapshots ordered by enqueue time, ties by sequence.
func (r *registry) listActive() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].sequence < out[j].sequence
	})
	return out
}

// purge drops completed entries older than retention and returns how many.
func (r *registry) purge(now time.Time, retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.completed {
		if e.state.CompletedAt != nil && now.Sub(*e.state.CompletedAt) >= retention {
			delete(r.completed, id)
			n++
		}
	}
	return n
}
