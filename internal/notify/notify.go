// Package notify delivers admin alerts (SLA breaches, offline cleaners
// with active jobs, orphaned jobs) to a Slack channel via slack-go/slack,
// subscribing to the event bus rather than being called directly. Every
// outbound call is wrapped by internal/breaker so a flaky Slack API
// cannot pile up latency on the event bus's otherwise-synchronous
// dispatch. No literal Slack integration exists anywhere in the
// retrieved pack — this follows slack-go's own documented
// webhook/PostMessage usage, matching the rest of the module's
// breaker-wrapped best-effort downstream pattern from internal/breaker.
package notify

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/cleanco/dispatchcore/internal/breaker"
	"github.com/cleanco/dispatchcore/internal/domain"
	"github.com/cleanco/dispatchcore/internal/eventbus"
)

// SlackClient is the subset of slack-go's API notify.Notifier depends on,
// narrowed for testability.
type SlackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier subscribes to admin-facing events and relays them to Slack.
type Notifier struct {
	client  SlackClient
	channel string
	breaker *breaker.Breaker
	log     logr.Logger
}

// New constructs a Notifier posting to channel using token.
func New(token, channel string, log logr.Logger) *Notifier {
	return &Notifier{
		client:  slack.New(token),
		channel: channel,
		breaker: breaker.New("slack-notify"),
		log:     log,
	}
}

// NewWithClient allows injecting a fake SlackClient for tests.
func NewWithClient(client SlackClient, channel string, log logr.Logger) *Notifier {
	return &Notifier{client: client, channel: channel, breaker: breaker.New("slack-notify"), log: log}
}

// Subscribe registers the Notifier against bus for every event type that
// should reach the admin channel: SLA delays, offline-cleaner alerts, and
// explicit admin.alert events.
func (n *Notifier) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(domain.EventJobDelayed, n.handle)
	bus.Subscribe(domain.EventCleanerOfflineAlert, n.handle)
	bus.Subscribe(domain.EventAdminAlert, n.handle)
}

func (n *Notifier) handle(event domain.Event) error {
	text := formatMessage(event)
	return n.breaker.Do(func() error {
		_, _, err := n.client.PostMessageContext(context.Background(), n.channel, slack.MsgOptionText(text, false))
		if err != nil {
			n.log.Error(err, "failed to post admin alert to slack", "event_type", event.Type)
		}
		return err
	})
}

func formatMessage(event domain.Event) string {
	switch event.Type {
	case domain.EventJobDelayed:
		return fmt.Sprintf(":rotating_light: SLA breach — job %v delayed %v minutes (%v)",
			event.Payload["job_id"], event.Payload["delay_minutes"], event.Payload["type"])
	case domain.EventCleanerOfflineAlert:
		if msg, ok := event.Payload["message"].(string); ok {
			return ":warning: " + msg
		}
		return fmt.Sprintf(":warning: cleaner %v is offline with active job %v", event.Payload["cleaner_id"], event.Payload["job_id"])
	case domain.EventAdminAlert:
		if msg, ok := event.Payload["message"].(string); ok {
			return ":bell: " + msg
		}
		return ":bell: admin alert"
	default:
		return fmt.Sprintf("event %s: %v", event.Type, event.Payload)
	}
}
