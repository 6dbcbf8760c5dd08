// Package redisstore implements storage.Store on Redis.
//
// Layout under the key prefix:
//
//	exec:<id>                 execution JSON
//	steps:<id>                list of step JSON, append order
//	active:<entity>|<type>    set of execution IDs (pruned lazily)
//	agents                    hash of agent ID -> agent JSON
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semforge/storage"
	backend "github.com/redis/go-redis/v9"
)

// Store implements storage.Store using Redis.
type Store struct {
	client *backend.Client
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a Redis-backed store.
func New(address, password string, db int, opts ...Option) *Store {
	return NewFromClient(backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewFromClient creates a store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "semforge:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ storage.Store = (*Store)(nil)

func (s *Store) execKey(id string) string { return s.prefix + "exec:" + id }
func (s *Store) stepsKey(id string) string { return s.prefix + "steps:" + id }
func (s *Store) agentsKey() string { return s.prefix + "agents" }
func (s *Store) activeKey(e *storage.Execution) string {
	return s.prefix + "active:" + storage.ActiveKey(e.EntityID, e.TaskType)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateExecution stores a new execution; SETNX guards against duplicate IDs.
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

	ok, err := s.client.SetNX(ctx, s.execKey(e.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store execution: %w", err)
	}
	if !ok {
		return fmt.Errorf("execution %s: %w", e.ID, storage.ErrAlreadyExists)
	}

	if e.Status.IsActive() {
		if err := s.client.SAdd(ctx, s.activeKey(e), e.ID).Err(); err != nil {
			return fmt.Errorf("index execution: %w", err)
		}
	}
	return nil
}

// GetExecution loads an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*storage.Execution, error) {
	val, err := s.client.Get(ctx, s.execKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}

	var e storage.Execution
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &e, nil
}

// UpdateExecution overwrites an existing execution and maintains the active index.
func (s *Store) UpdateExecution(ctx context.Context, e *storage.Execution) error {
	exists, err := s.client.Exists(ctx, s.execKey(e.ID)).Result()
	if err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if exists == 0 {
		return storage.ErrNotFound
	}

	e.UpdatedAt = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.execKey(e.ID), data, 0)
	if e.Status.IsActive() {
		pipe.SAdd(ctx, s.activeKey(e), e.ID)
	} else {
		pipe.SRem(ctx, s.activeKey(e), e.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// DeleteExecution removes the execution, its journal and its index entry.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.execKey(id), s.stepsKey(id))
	pipe.SRem(ctx, s.activeKey(e), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

// FindActiveExecutions reads the active index and drops members that have
// gone terminal or disappeared.
func (s *Store) FindActiveExecutions(ctx context.Context, entityID, taskType string) ([]*storage.Execution, error) {
	key := s.prefix + "active:" + storage.ActiveKey(entityID, taskType)
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}

	var out []*storage.Execution
	var stale []any
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !e.Status.IsActive() {
			stale = append(stale, id)
			continue
		}
		out = append(out, e)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, key, stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune active index: %w", err)
		}
	}

	storage.SortExecutions(out)
	return out, nil
}

// AppendStep pushes a journal row; the list length after RPUSH becomes Seq.
// A concurrent append for the same execution would race on Seq, which the
// engine never does since one execution runs on one worker.
func (s *Store) AppendStep(ctx context.Context, st *storage.Step) error {
	exists, err := s.client.Exists(ctx, s.execKey(st.ExecutionID)).Result()
	if err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("append step to %s: %w", st.ExecutionID, storage.ErrNotFound)
	}

	n, err := s.client.LLen(ctx, s.stepsKey(st.ExecutionID)).Result()
	if err != nil {
		return fmt.Errorf("count steps: %w", err)
	}
	st.Seq = int(n) + 1
	st.CreatedAt = time.Now()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	if err := s.client.RPush(ctx, s.stepsKey(st.ExecutionID), data).Err(); err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

// ListSteps returns the journal in append order.
func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*storage.Step, error) {
	vals, err := s.client.LRange(ctx, s.stepsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	out := make([]*storage.Step, 0, len(vals))
	for _, v := range vals {
		var st storage.Step
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
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
	if err := s.client.HSet(ctx, s.agentsKey(), a.ID, data).Err(); err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// GetAgent loads an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*storage.Agent, error) {
	val, err := s.client.HGet(ctx, s.agentsKey(), id).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	var a storage.Agent
	if err := json.Unmarshal(val, &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns agents for role, or all when role is empty.
func (s *Store) ListAgents(ctx context.Context, role string) ([]*storage.Agent, error) {
	vals, err := s.client.HVals(ctx, s.agentsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	var out []*storage.Agent
	for _, v := range vals {
		var a storage.Agent
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		if role == "" || a.Role == role {
			out = append(out, &a)
		}
	}
	storage.SortAgents(out)
	return out, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
