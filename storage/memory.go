package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It is the default backend and the one
// tests run against.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	steps      map[string][]*Step
	agents     map[string]*Agent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		steps:      make(map[string][]*Step),
		agents:     make(map[string]*Agent),
	}
}

// CreateExecution stores a new execution.
func (m *MemoryStore) CreateExecution(_ context.Context, e *Execution) error {
	if e.ID == "" {
		return fmt.Errorf("execution ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrAlreadyExists)
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	m.executions[e.ID] = e.Clone()
	return nil
}

// GetExecution returns a copy of the execution.
func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// UpdateExecution replaces an existing execution.
func (m *MemoryStore) UpdateExecution(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; !ok {
		return ErrNotFound
	}
	e.UpdatedAt = time.Now()
	m.executions[e.ID] = e.Clone()
	return nil
}

// DeleteExecution removes the execution and its steps.
func (m *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[id]; !ok {
		return ErrNotFound
	}
	delete(m.executions, id)
	delete(m.steps, id)
	return nil
}

// FindActiveExecutions scans for non-terminal executions matching the key.
func (m *MemoryStore) FindActiveExecutions(_ context.Context, entityID, taskType string) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, e := range m.executions {
		if e.EntityID == entityID && e.TaskType == taskType && e.Status.IsActive() {
			out = append(out, e.Clone())
		}
	}
	SortExecutions(out)
	return out, nil
}

// AppendStep appends a journal row.
func (m *MemoryStore) AppendStep(_ context.Context, s *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[s.ExecutionID]; !ok {
		return fmt.Errorf("append step to %s: %w", s.ExecutionID, ErrNotFound)
	}
	s.Seq = len(m.steps[s.ExecutionID]) + 1
	s.CreatedAt = time.Now()
	m.steps[s.ExecutionID] = append(m.steps[s.ExecutionID], s.Clone())
	return nil
}

// ListSteps returns copies of the journal rows in append order.
func (m *MemoryStore) ListSteps(_ context.Context, executionID string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.steps[executionID]
	out := make([]*Step, len(rows))
	for i, s := range rows {
		out[i] = s.Clone()
	}
	return out, nil
}

// SaveAgent creates or replaces an agent.
func (m *MemoryStore) SaveAgent(_ context.Context, a *Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.agents[a.ID] = &c
	return nil
}

// GetAgent returns a copy of the agent.
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// ListAgents returns agents for role (all when empty) sorted by ID.
func (m *MemoryStore) ListAgents(_ context.Context, role string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agent
	for _, a := range m.agents {
		if role == "" || a.Role == role {
			c := *a
			out = append(out, &c)
		}
	}
	SortAgents(out)
	return out, nil
}

// SortExecutions orders executions by creation time, then ID.
func SortExecutions(es []*Execution) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].ID < es[j].ID
	})
}

// SortAgents orders agents by ID.
func SortAgents(as []*Agent) {
	sort.Slice(as, func(i, j int) bool { return as[i].ID < as[j].ID })
}
