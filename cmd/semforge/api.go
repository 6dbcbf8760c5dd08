package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/semforge/command"
	"github.com/c360studio/semforge/execution"
	"github.com/c360studio/semforge/storage"
)

// requestTimeout bounds the storage work done for one API request.
const requestTimeout = 30 * time.Second

// StartPayload is the body of <prefix>.api.start.
type StartPayload struct {
	TaskType        string         `json:"task_type"`
	EntityID        string         `json:"entity_id,omitempty"`
	StepPrompt      string         `json:"step_prompt"`
	InitialContext  string         `json:"initial_context,omitempty"`
	ExecutorAgentID string         `json:"executor_agent_id,omitempty"`
	CheckerAgentID  string         `json:"checker_agent_id,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	Priority        int            `json:"priority,omitempty"`
}

// ExecutionPayload addresses an existing execution.
type ExecutionPayload struct {
	ExecutionID string `json:"execution_id"`
	Priority    int    `json:"priority,omitempty"`
}

// Reply is the response to every API request.
type Reply struct {
	ExecutionID string             `json:"execution_id,omitempty"`
	RunID       string             `json:"run_id,omitempty"`
	Execution   *storage.Execution `json:"execution,omitempty"`
	Commands    []command.Snapshot `json:"commands,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// requestAPI exposes the engine over NATS request/reply.
type requestAPI struct {
	engine     *execution.Engine
	store      storage.Store
	dispatcher *command.Dispatcher
	logger     *slog.Logger
}

func newRequestAPI(engine *execution.Engine, store storage.Store, d *command.Dispatcher, logger *slog.Logger) *requestAPI {
	return &requestAPI{engine: engine, store: store, dispatcher: d, logger: logger}
}

// subscribe registers the handlers on <prefix>.api.<op>.
func (api *requestAPI) subscribe(nc *nats.Conn, prefix string) ([]*nats.Subscription, error) {
	prefix = strings.TrimSuffix(prefix, ".")
	handlers := map[string]func(context.Context, []byte) (Reply, error){
		"start":    api.start,
		"resume":   api.resume,
		"cancel":   api.cancel,
		"status":   api.status,
		"commands": api.commands,
	}

	subs := make([]*nats.Subscription, 0, len(handlers))
	for op, handle := range handlers {
		handle := handle
		subject := prefix + ".api." + op
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			api.respond(msg, handle)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
		api.logger.Debug("API subject registered", "subject", subject)
	}
	return subs, nil
}

func (api *requestAPI) respond(msg *nats.Msg, handle func(context.Context, []byte) (Reply, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	reply, err := handle(ctx, msg.Data)
	if err != nil {
		api.logger.Warn("API request failed", "subject", msg.Subject, "error", err)
		reply = Reply{Error: err.Error()}
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		api.logger.Error("Failed to marshal API reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		api.logger.Warn("Failed to send API reply", "subject", msg.Subject, "error", err)
	}
}

func decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("invalid request body: %w", err)
	}
	return v, nil
}

func (api *requestAPI) start(ctx context.Context, data []byte) (Reply, error) {
	p, err := decode[StartPayload](data)
	if err != nil {
		return Reply{}, err
	}

	id, err := api.engine.StartTaskExecution(ctx, execution.StartRequest{
		TaskType:        p.TaskType,
		EntityID:        p.EntityID,
		StepPrompt:      p.StepPrompt,
		InitialContext:  p.InitialContext,
		ExecutorAgentID: p.ExecutorAgentID,
		CheckerAgentID:  p.CheckerAgentID,
		Config:          p.Config,
	})
	if err != nil {
		return Reply{}, err
	}

	handle, err := api.engine.EnqueueExecution(ctx, api.dispatcher, id, p.Priority)
	if err != nil {
		return Reply{ExecutionID: id}, err
	}
	return Reply{ExecutionID: id, RunID: handle.RunID}, nil
}

func (api *requestAPI) resume(ctx context.Context, data []byte) (Reply, error) {
	p, err := decode[ExecutionPayload](data)
	if err != nil {
		return Reply{}, err
	}
	if api.engine.IsRunning(p.ExecutionID) {
		return Reply{}, fmt.Errorf("%w: %s", execution.ErrExecutionRunning, p.ExecutionID)
	}
	handle, err := api.engine.EnqueueExecution(ctx, api.dispatcher, p.ExecutionID, p.Priority)
	if err != nil {
		return Reply{}, err
	}
	return Reply{ExecutionID: p.ExecutionID, RunID: handle.RunID}, nil
}

func (api *requestAPI) cancel(ctx context.Context, data []byte) (Reply, error) {
	p, err := decode[ExecutionPayload](data)
	if err != nil {
		return Reply{}, err
	}
	if err := api.engine.Cancel(ctx, p.ExecutionID); err != nil {
		return Reply{}, err
	}
	return Reply{ExecutionID: p.ExecutionID}, nil
}

func (api *requestAPI) status(ctx context.Context, data []byte) (Reply, error) {
	p, err := decode[ExecutionPayload](data)
	if err != nil {
		return Reply{}, err
	}
	exec, err := api.store.GetExecution(ctx, p.ExecutionID)
	if err != nil {
		return Reply{}, fmt.Errorf("execution %s: %w", p.ExecutionID, err)
	}
	return Reply{ExecutionID: exec.ID, Execution: exec}, nil
}

func (api *requestAPI) commands(context.Context, []byte) (Reply, error) {
	return Reply{Commands: api.dispatcher.ActiveCommands()}, nil
}
