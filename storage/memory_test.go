package storage_test

import (
	"context"
	"testing"

	"github.com/c360studio/semforge/storage"
	"github.com/c360studio/semforge/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	storagetest.RunStoreContract(t, storage.NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()

	e := &storage.Execution{ID: "e1", Status: storage.StatusPending, Config: map[string]any{"k": "v"}}
	require.NoError(t, s.CreateExecution(ctx, e))

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	got.Config["k"] = "mutated"
	got.Status = storage.StatusFailed

	again, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Config["k"])
	assert.Equal(t, storage.StatusPending, again.Status)
}

func TestExecutionStatus(t *testing.T) {
	tests := []struct {
		status   storage.ExecutionStatus
		terminal bool
	}{
		{storage.StatusPending, false},
		{storage.StatusInProgress, false},
		{storage.StatusPaused, false},
		{storage.StatusCompleted, true},
		{storage.StatusFailed, true},
		{storage.StatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, !tt.terminal, tt.status.IsActive())
		})
	}
}
