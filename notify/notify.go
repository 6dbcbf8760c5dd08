// Package notify provides best-effort progress sinks. Nothing here returns an
// error to the caller: delivery failures are logged and dropped.
package notify

import (
	"context"
	"log/slog"

	"github.com/c360studio/semforge/command"
)

// Level classifies a progress message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier appends progress messages to a channel (typically an entity or
// execution ID) and publishes command snapshots.
type Notifier interface {
	Append(ctx context.Context, channelID, message string, level Level)
	command.Broadcaster
}

// Nop discards everything.
type Nop struct{}

// Append implements Notifier.
func (Nop) Append(context.Context, string, string, Level) {}

// PublishSnapshot implements command.Broadcaster.
func (Nop) PublishSnapshot(context.Context, command.Snapshot) {}

// LogNotifier writes notifications to a slog logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier; nil uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Append implements Notifier.
func (n *LogNotifier) Append(ctx context.Context, channelID, message string, level Level) {
	n.logger.Log(ctx, slogLevel(level), message, "channel", channelID, "level", string(level))
}

// PublishSnapshot implements command.Broadcaster.
func (n *LogNotifier) PublishSnapshot(ctx context.Context, s command.Snapshot) {
	n.logger.DebugContext(ctx, "Command state",
		"run_id", s.RunID,
		"operation", s.OperationName,
		"status", s.Status,
		"step", s.CurrentStep,
		"max_step", s.MaxStep,
		"retry", s.RetryCount)
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Multi fans out to several notifiers.
type Multi []Notifier

// Append implements Notifier.
func (m Multi) Append(ctx context.Context, channelID, message string, level Level) {
	for _, n := range m {
		n.Append(ctx, channelID, message, level)
	}
}

// PublishSnapshot implements command.Broadcaster.
func (m Multi) PublishSnapshot(ctx context.Context, s command.Snapshot) {
	for _, n := range m {
		n.PublishSnapshot(ctx, s)
	}
}
