package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// PostgresRelay forwards events passed to its own Publish to all other
// dispatchd processes via LISTEN/NOTIFY (events published directly on the
// Bus are not forwarded), and re-publishes notifications it
// receives so that a Bus subscriber sees events from any process. The
// payload channel name is "dispatch_events"; NOTIFY payloads cap out at 8KB
// in Postgres, so the relay carries only the event envelope, not large
// blobs.
type PostgresRelay struct {
	bus      *Bus
	listener *pq.Listener
	notify   func(query string, args ...any) error
	log      logFunc
}

type logFunc func(msg string, err error)

const channelName = "dispatch_events"

// NewPostgresRelay wires a *pq.Listener already subscribed to channelName to
// the given Bus: local Publish calls are forwarded out via notify (typically
// a *sql.DB.Exec against pg_notify), and inbound notifications are replayed
// into the Bus's local subscribers.
func NewPostgresRelay(bus *Bus, listener *pq.Listener, notify func(query string, args ...any) error, log func(msg string, err error)) *PostgresRelay {
	return &PostgresRelay{bus: bus, listener: listener, notify: notify, log: log}
}

// Publish sends an event over pg_notify in addition to the given bus's
// in-process delivery, so every dispatchd process observes it.
func (r *PostgresRelay) Publish(eventType domain.EventType, payload map[string]any) error {
	r.bus.Publish(eventType, payload)

	env := envelope{ID: time.Now().UTC().Format(time.RFC3339Nano), Type: eventType, Payload: payload}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.notify("SELECT pg_notify($1, $2)", channelName, string(body))
}

type envelope struct {
	ID      string             `json:"id"`
	Type    domain.EventType   `json:"type"`
	Payload map[string]any     `json:"payload"`
}

// Run drains the listener's notification channel until ctx is cancelled,
// replaying each remote event into the local bus. Malformed payloads are
// logged and skipped rather than crashing the relay loop.
func (r *PostgresRelay) Run(ctx context.Context) error {
	defer r.listener.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-r.listener.Notify:
			if !ok {
				return nil
			}
			if n == nil {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(n.Extra), &env); err != nil {
				if r.log != nil {
					r.log("discarding malformed event notification", err)
				}
				continue
			}
			r.bus.Publish(env.Type, env.Payload)
		case <-time.After(90 * time.Second):
			// pq recommends a periodic Ping to detect a dead connection
			// when no notifications have arrived recently.
			if err := r.listener.Ping(); err != nil && r.log != nil {
				r.log("listener ping failed", err)
			}
		}
	}
}
