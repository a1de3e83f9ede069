package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/go-logr/logr"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// Publish never touches the listener, so a nil one is safe here — only
// Run (not exercised by this test) drains it.
func newRelay(t *testing.T, notify func(query string, args ...any) error) (*PostgresRelay, *Bus) {
	t.Helper()
	bus := New(logr.Discard())
	return NewPostgresRelay(bus, nil, notify, func(string, error) {}), bus
}

func TestPublishDeliversLocallyAndForwardsNotify(t *testing.T) {
	var forwardedQuery string
	var forwardedArgs []any
	relay, bus := newRelay(t, func(query string, args ...any) error {
		forwardedQuery = query
		forwardedArgs = args
		return nil
	})

	var received domain.Event
	bus.Subscribe(domain.EventJobCreated, func(e domain.Event) error {
		received = e
		return nil
	})

	if err := relay.Publish(domain.EventJobCreated, map[string]any{"job_id": int64(5)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if received.Type != domain.EventJobCreated {
		t.Fatalf("expected local delivery, got %+v", received)
	}
	if forwardedQuery == "" {
		t.Fatal("expected notify to be called with a pg_notify query")
	}
	if len(forwardedArgs) != 2 || forwardedArgs[0] != channelName {
		t.Fatalf("expected channel %q as first notify arg, got %+v", channelName, forwardedArgs)
	}

	var env envelope
	if err := json.Unmarshal([]byte(forwardedArgs[1].(string)), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != domain.EventJobCreated || env.Payload["job_id"].(float64) != 5 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestPublishSurfacesNotifyFailure(t *testing.T) {
	relay, _ := newRelay(t, func(string, ...any) error {
		return errNotifyUnavailable
	})

	if err := relay.Publish(domain.EventJobDelayed, map[string]any{}); err == nil {
		t.Fatal("expected the notify failure to surface from Publish")
	}
}

var errNotifyUnavailable = &notifyError{"pg_notify unavailable"}

type notifyError struct{ msg string }

func (e *notifyError) Error() string { return e.msg }
