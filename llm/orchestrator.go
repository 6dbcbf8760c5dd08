package llm

import (
	"context"
	"fmt"
)

// ExecuteRequest is one prompt sent through an Orchestrator.
type ExecuteRequest struct {
	// Model pins a registry model. Empty means "resolve from Capability".
	Model string

	// Capability is used when Model is empty.
	Capability string

	// AgentID identifies the agent on whose behalf the prompt runs (logging only).
	AgentID string

	// Prompt is the user message.
	Prompt string

	// SystemMessage, when set, is sent as the leading system message.
	SystemMessage string

	// ExtraMessages are appended after the prompt, e.g. corrective feedback from a
	// rejected attempt.
	ExtraMessages []Message

	Temperature *float64
	MaxTokens   int
}

// ExecuteResult is the typed outcome of an orchestrated prompt.
type ExecuteResult struct {
	FinalResponse  string
	ExecutedTools  []ToolCall
	IterationCount int
	Success        bool
	Error          string

	// Model is the registry name of the model that answered.
	Model string
}

// Orchestrator executes a prompt and returns the final text plus any tool calls.
// Implementations must honour ctx cancellation and deadlines.
type Orchestrator interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// ChatOrchestrator adapts Client to the Orchestrator interface. It performs a single
// chat completion per Execute and surfaces inline JSON tool calls in ExecutedTools.
type ChatOrchestrator struct {
	client *Client
}

// NewChatOrchestrator creates an orchestrator backed by client.
func NewChatOrchestrator(client *Client) *ChatOrchestrator {
	return &ChatOrchestrator{client: client}
}

// Execute implements Orchestrator.
func (o *ChatOrchestrator) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.Prompt == "" {
		return nil, NewFatalError(fmt.Errorf("prompt is required"))
	}

	resp, err := o.client.Complete(ctx, Request{
		Model:       req.Model,
		Capability:  req.Capability,
		Messages:    BuildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	return &ExecuteResult{
		FinalResponse:  resp.Content,
		ExecutedTools:  ExtractToolCalls(resp.Content),
		IterationCount: 1,
		Success:        true,
		Model:          resp.Model,
	}, nil
}

// BuildMessages lays out system, user and extra messages in send order.
func BuildMessages(req ExecuteRequest) []Message {
	messages := make([]Message, 0, 2+len(req.ExtraMessages))
	if req.SystemMessage != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemMessage})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})
	return append(messages, req.ExtraMessages...)
}
