// Package kvstore implements storage.Store on NATS JetStream key-value buckets.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/semforge/storage"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket name suffixes; the full name is prefix + suffix.
const (
	BucketExecutions = "EXECUTIONS"
	BucketSteps      = "STEPS"
	BucketAgents     = "AGENTS"

	DefaultBucketPrefix = "SEMFORGE_"
)

// Store provides execution storage backed by NATS KV.
type Store struct {
	executions jetstream.KeyValue
	steps      jetstream.KeyValue
	agents     jetstream.KeyValue
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a Store with the given JetStream context, creating the
// buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream, bucketPrefix string) (*Store, error) {
	if bucketPrefix == "" {
		bucketPrefix = DefaultBucketPrefix
	}

	executions, err := getOrCreateBucket(ctx, js, bucketPrefix+BucketExecutions, 5)
	if err != nil {
		return nil, fmt.Errorf("create executions bucket: %w", err)
	}
	// The journal is append-only so one revision per key is enough.
	steps, err := getOrCreateBucket(ctx, js, bucketPrefix+BucketSteps, 1)
	if err != nil {
		return nil, fmt.Errorf("create steps bucket: %w", err)
	}
	agents, err := getOrCreateBucket(ctx, js, bucketPrefix+BucketAgents, 5)
	if err != nil {
		return nil, fmt.Errorf("create agents bucket: %w", err)
	}

	return &Store{
		executions: executions,
		steps:      steps,
		agents:     agents,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, history uint8) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("semforge %s storage", strings.ToLower(name)),
		History:     history,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func stepKey(executionID string, seq int) string {
	return fmt.Sprintf("%s.%06d", executionID, seq)
}

// CreateExecution stores a new execution.
func (s *Store) CreateExecution(ctx context.Context, e *storage.Execution) error {
	if e.ID == "" {
		return fmt.Errorf("execution ID is required")
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := s.executions.Create(ctx, e.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("execution %s: %w", e.ID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("store execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*storage.Execution, error) {
	entry, err := s.executions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}

	var e storage.Execution
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &e, nil
}

// UpdateExecution overwrites an existing execution using optimistic concurrency
// on the entry revision.
func (s *Store) UpdateExecution(ctx context.Context, e *storage.Execution) error {
	entry, err := s.executions.Get(ctx, e.ID)
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("get execution: %w", err)
	}

	e.UpdatedAt = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := s.executions.Update(ctx, e.ID, data, entry.Revision()); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// DeleteExecution removes the execution and its step journal.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}

	keys, err := s.stepKeys(ctx, id)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.steps.Purge(ctx, key); err != nil {
			return fmt.Errorf("purge step %s: %w", key, err)
		}
	}

	if err := s.executions.Purge(ctx, id); err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

// FindActiveExecutions scans the executions bucket for non-terminal matches.
func (s *Store) FindActiveExecutions(ctx context.Context, entityID, taskType string) ([]*storage.Execution, error) {
	keys, err := s.executions.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list execution keys: %w", err)
	}

	var out []*storage.Execution
	for _, key := range keys {
		e, err := s.GetExecution(ctx, key)
		if err != nil {
			continue // Skip entries deleted or corrupted since listing
		}
		if e.EntityID == entityID && e.TaskType == taskType && e.Status.IsActive() {
			out = append(out, e)
		}
	}
	storage.SortExecutions(out)
	return out, nil
}

func (s *Store) stepKeys(ctx context.Context, executionID string) ([]string, error) {
	keys, err := s.steps.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list step keys: %w", err)
	}

	prefix := executionID + "."
	var out []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	// Zero-padded sequence numbers sort lexically.
	sort.Strings(out)
	return out, nil
}

// AppendStep stores a journal row under the next free sequence number.
func (s *Store) AppendStep(ctx context.Context, st *storage.Step) error {
	if _, err := s.GetExecution(ctx, st.ExecutionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("append step to %s: %w", st.ExecutionID, storage.ErrNotFound)
		}
		return err
	}

	keys, err := s.stepKeys(ctx, st.ExecutionID)
	if err != nil {
		return err
	}

	st.Seq = len(keys) + 1
	st.CreatedAt = time.Now()
	for {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal step: %w", err)
		}
		_, err = s.steps.Create(ctx, stepKey(st.ExecutionID, st.Seq), data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("store step: %w", err)
		}
		st.Seq++
	}
}

// ListSteps returns the journal in append order.
func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*storage.Step, error) {
	keys, err := s.stepKeys(ctx, executionID)
	if err != nil {
		return nil, err
	}

	out := make([]*storage.Step, 0, len(keys))
	for _, key := range keys {
		entry, err := s.steps.Get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("get step %s: %w", key, err)
		}
		var st storage.Step
		if err := json.Unmarshal(entry.Value(), &st); err != nil {
			return nil, fmt.Errorf("unmarshal step %s: %w", key, err)
		}
		out = append(out, &st)
	}
	return out, nil
}

// SaveAgent creates or replaces an agent.
func (s *Store) SaveAgent(ctx context.Context, a *storage.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	if _, err := s.agents.Put(ctx, a.ID, data); err != nil {
		return fmt.Errorf("store agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*storage.Agent, error) {
	entry, err := s.agents.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	var a storage.Agent
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns agents for role, or all when role is empty.
func (s *Store) ListAgents(ctx context.Context, role string) ([]*storage.Agent, error) {
	keys, err := s.agents.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list agent keys: %w", err)
	}

	var out []*storage.Agent
	for _, key := range keys {
		a, err := s.GetAgent(ctx, key)
		if err != nil {
			continue
		}
		if role == "" || a.Role == role {
			out = append(out, a)
		}
	}
	storage.SortAgents(out)
	return out, nil
}
