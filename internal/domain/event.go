package domain

import "time"

// EventType enumerates the typed events the state machine and allocation
// engine publish, per spec §4.5.
type EventType string

const (
	EventJobCreated            EventType = "job.created"
	EventJobAssigned           EventType = "job.assigned"
	EventJobStarted            EventType = "job.started"
	EventJobPaused             EventType = "job.paused"
	EventJobResumed            EventType = "job.resumed"
	EventJobCompleted          EventType = "job.completed"
	EventJobCancelled          EventType = "job.cancelled"
	EventJobFailed             EventType = "job.failed"
	EventJobDelayed            EventType = "job.delayed"
	EventCleanerOnline         EventType = "cleaner.online"
	EventCleanerOffline        EventType = "cleaner.offline"
	EventCleanerStatusChanged  EventType = "cleaner.status_changed"
	EventCleanerOfflineAlert   EventType = "cleaner.offline_alert"
	EventStatsUpdated          EventType = "stats.updated"
	EventAdminAlert            EventType = "admin.alert"
)

// Event is the JSON-compatible payload published on the bus. Payload keys
// follow spec §4.5: job_id, booking_number, status, previous_status,
// cleaner_id, customer_id, timestamps, plus type-specific extras.
type Event struct {
	ID        string
	Type      EventType
	Payload   map[string]any
	Timestamp time.Time
}
