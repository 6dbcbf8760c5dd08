// Package storagetest holds the behavioural contract every storage.Store
// backend must satisfy.
package storagetest

import (
	"context"
	"testing"

	"github.com/c360studio/semforge/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreContract exercises s against the shared Store semantics.
func RunStoreContract(t *testing.T, s storage.Store) {
	t.Helper()

	t.Run("ExecutionLifecycle", func(t *testing.T) { testExecutionLifecycle(t, s) })
	t.Run("FindActive", func(t *testing.T) { testFindActive(t, s) })
	t.Run("StepJournal", func(t *testing.T) { testStepJournal(t, s) })
	t.Run("Agents", func(t *testing.T) { testAgents(t, s) })
}

func newExecution(entityID, taskType string) *storage.Execution {
	return &storage.Execution{
		ID:          uuid.NewString(),
		TaskType:    taskType,
		EntityID:    entityID,
		StepPrompt:  "1. outline\n2. write",
		CurrentStep: 1,
		MaxStep:     2,
		Status:      storage.StatusPending,
		Config:      map[string]any{"model_override": "qwen"},
	}
}

func testExecutionLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	e := newExecution(uuid.NewString(), "story")

	require.NoError(t, s.CreateExecution(ctx, e))
	assert.False(t, e.CreatedAt.IsZero())
	assert.ErrorIs(t, s.CreateExecution(ctx, e), storage.ErrAlreadyExists)

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.StepPrompt, got.StepPrompt)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Equal(t, "qwen", got.Config["model_override"])

	got.Status = storage.StatusInProgress
	got.CurrentStep = 2
	require.NoError(t, s.UpdateExecution(ctx, got))

	again, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInProgress, again.Status)
	assert.Equal(t, 2, again.CurrentStep)

	require.NoError(t, s.DeleteExecution(ctx, e.ID))
	_, err = s.GetExecution(ctx, e.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteExecution(ctx, e.ID), storage.ErrNotFound)

	missing := newExecution("x", "story")
	assert.ErrorIs(t, s.UpdateExecution(ctx, missing), storage.ErrNotFound)
}

func testFindActive(t *testing.T, s storage.Store) {
	ctx := context.Background()
	entity := uuid.NewString()

	active := newExecution(entity, "story")
	paused := newExecution(entity, "story")
	paused.Status = storage.StatusPaused
	done := newExecution(entity, "story")
	done.Status = storage.StatusCompleted
	otherType := newExecution(entity, "tts")

	for _, e := range []*storage.Execution{active, paused, done, otherType} {
		require.NoError(t, s.CreateExecution(ctx, e))
	}

	found, err := s.FindActiveExecutions(ctx, entity, "story")
	require.NoError(t, err)
	ids := make([]string, 0, len(found))
	for _, e := range found {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{active.ID, paused.ID}, ids)

	active.Status = storage.StatusFailed
	require.NoError(t, s.UpdateExecution(ctx, active))
	found, err = s.FindActiveExecutions(ctx, entity, "story")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, paused.ID, found[0].ID)

	require.NoError(t, s.DeleteExecution(ctx, paused.ID))
	found, err = s.FindActiveExecutions(ctx, entity, "story")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func testStepJournal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	e := newExecution(uuid.NewString(), "story")
	require.NoError(t, s.CreateExecution(ctx, e))

	score := 0.72
	rows := []*storage.Step{
		{ExecutionID: e.ID, StepNumber: 1, Output: "short", AttemptCount: 1,
			Validation: &storage.Verdict{Reason: "too short", NeedsRetry: true}},
		{ExecutionID: e.ID, StepNumber: 1, Output: "a full outline", AttemptCount: 2,
			Validation: &storage.Verdict{IsValid: true, SemanticScore: &score}},
		{ExecutionID: e.ID, StepNumber: 2, Output: "chapter", AttemptCount: 1,
			Validation: &storage.Verdict{IsValid: true}},
	}
	for _, r := range rows {
		require.NoError(t, s.AppendStep(ctx, r))
	}
	assert.Equal(t, 3, rows[2].Seq)

	got, err := s.ListSteps(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, r := range got {
		assert.Equal(t, i+1, r.Seq)
	}
	assert.False(t, got[0].Succeeded())
	assert.True(t, got[1].Succeeded())
	require.NotNil(t, got[1].Validation.SemanticScore)
	assert.InDelta(t, 0.72, *got[1].Validation.SemanticScore, 1e-9)
	assert.Equal(t, 2, got[2].StepNumber)

	err = s.AppendStep(ctx, &storage.Step{ExecutionID: "missing", StepNumber: 1})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteExecution(ctx, e.ID))
	got, err = s.ListSteps(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testAgents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	role := "writer-" + uuid.NewString()

	b := &storage.Agent{ID: "b-" + role, Name: "B", Role: role, Enabled: true}
	a := &storage.Agent{ID: "a-" + role, Name: "A", Role: role, Model: "qwen"}
	other := &storage.Agent{ID: "c-" + role, Name: "C", Role: "checker"}
	for _, ag := range []*storage.Agent{b, a, other} {
		require.NoError(t, s.SaveAgent(ctx, ag))
	}

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "qwen", got.Model)

	_, err = s.GetAgent(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.ListAgents(ctx, role)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	a.Enabled = true
	require.NoError(t, s.SaveAgent(ctx, a))
	got, err = s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}
