// Package notify posts operational alerts to Slack: audit-pipeline backlog
// breaches and plugin isolates destroyed after restart-budget exhaustion.
// It is the ops-visibility surface, not part of any spec invariant — a
// disabled notifier (no bot token configured) degrades to logging only.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts control-plane alerts to a single configured Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty, the notifier is a noop that
// only logs.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// AuditBackpressure alerts that the audit pipeline has been rejecting
// enqueue requests because the backlog exceeded its hard limit.
func (n *Notifier) AuditBackpressure(ctx context.Context, backlog, hardLimit int) {
	n.post(ctx, fmt.Sprintf(":rotating_light: audit pipeline backpressure: backlog=%d exceeds hard limit=%d", backlog, hardLimit))
}

// PluginDestroyed alerts that an isolate was permanently destroyed after
// exhausting its restart budget.
func (n *Notifier) PluginDestroyed(ctx context.Context, pluginID string, restarts int) {
	n.post(ctx, fmt.Sprintf(":skull: plugin isolate %q destroyed after %d restarts", pluginID, restarts))
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping alert", "text", text)
		return
	}
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("failed to post slack alert", "error", err)
	}
}
