// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/semforge/llm"
)

// Reply is one scripted answer from MockOrchestrator.
type Reply struct {
	Content string
	Tools   []llm.ToolCall
	Err     error
}

// MockOrchestrator is a thread-safe scripted llm.Orchestrator.
//
// Replies are consumed in order; once exhausted, Default is returned. When Handler
// is set it takes precedence and can inspect each request.
//
//	mock := &testutil.MockOrchestrator{
//	    Replies: []testutil.Reply{
//	        {Content: "too short"},
//	        {Content: "a much better answer"},
//	    },
//	}
type MockOrchestrator struct {
	mu       sync.Mutex
	Replies  []Reply
	Default  Reply
	Handler  func(ctx context.Context, req llm.ExecuteRequest) (*llm.ExecuteResult, error)
	requests []llm.ExecuteRequest
	index    int
}

// Execute implements llm.Orchestrator.
func (m *MockOrchestrator) Execute(ctx context.Context, req llm.ExecuteRequest) (*llm.ExecuteResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	handler := m.Handler
	reply := m.Default
	if m.index < len(m.Replies) {
		reply = m.Replies[m.index]
		m.index++
	}
	m.mu.Unlock()

	if handler != nil {
		return handler(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}

	modelName := req.Model
	if modelName == "" {
		modelName = "test-model"
	}
	return &llm.ExecuteResult{
		FinalResponse:  reply.Content,
		ExecutedTools:  reply.Tools,
		IterationCount: 1,
		Success:        true,
		Model:          modelName,
	}, nil
}

// Requests returns a copy of every request received so far.
func (m *MockOrchestrator) Requests() []llm.ExecuteRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.ExecuteRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of Execute calls.
func (m *MockOrchestrator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and rewinds the script.
func (m *MockOrchestrator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.index = 0
}
