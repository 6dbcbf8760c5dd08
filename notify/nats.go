package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semforge/command"
)

// DefaultSubjectPrefix roots every subject NATSNotifier publishes on.
const DefaultSubjectPrefix = "semforge"

// Publisher is the subset of *nats.Conn used for notifications.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON payload published for Append.
type Event struct {
	ChannelID string    `json:"channel_id"`
	Message   string    `json:"message"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSNotifier publishes notifications on <prefix>.notify.<channel> and
// command snapshots on <prefix>.commands.<run_id>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NATSOption configures a NATSNotifier.
type NATSOption func(*NATSNotifier)

// WithSubjectPrefix sets the subject prefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(n *NATSNotifier) {
		if prefix != "" {
			n.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithNATSLogger sets the logger used for delivery failures.
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(n *NATSNotifier) {
		n.logger = logger
	}
}

// NewNATSNotifier creates a notifier over pub, usually a *nats.Conn.
func NewNATSNotifier(pub Publisher, opts ...NATSOption) *NATSNotifier {
	n := &NATSNotifier{
		pub:    pub,
		prefix: DefaultSubjectPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Append implements Notifier.
func (n *NATSNotifier) Append(_ context.Context, channelID, message string, level Level) {
	n.publish(n.prefix+".notify."+subjectToken(channelID), Event{
		ChannelID: channelID,
		Message:   message,
		Level:     level,
		Timestamp: time.Now(),
	})
}

// PublishSnapshot implements command.Broadcaster.
func (n *NATSNotifier) PublishSnapshot(_ context.Context, s command.Snapshot) {
	n.publish(n.prefix+".commands."+subjectToken(s.RunID), s)
}

func (n *NATSNotifier) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.logger.Warn("Failed to marshal notification", "subject", subject, "error", err)
		return
	}
	if err := n.pub.Publish(subject, data); err != nil {
		n.logger.Debug("Failed to publish notification", "subject", subject, "error", err)
	}
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
