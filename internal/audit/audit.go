// Package audit implements the append-only audit log writer from spec §2:
// one entry per state transition, recording before/after snapshots,
// grounded on job_state_machine.py's _create_audit_log.
package audit

import (
	"context"
	"time"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// Writer persists audit entries. Implementations must never mutate or
// drop an entry once accepted — this is the durable audit trail, not a
// best-effort side channel.
type Writer interface {
	Write(ctx context.Context, entry domain.AuditEntry) error
}

// Entry builds an AuditEntry for a booking status-change action, mirroring
// _create_audit_log's action naming convention ("status_change_<status>").
func Entry(job *domain.Job, actor domain.Actor, previousStatus domain.JobStatus, reason, idempotencyKey string, now time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		EntityType: "booking",
		EntityID:   job.ID,
		Action:     "status_change_" + string(job.Status),
		Actor:      actor,
		PreviousState: map[string]any{
			"status":  string(previousStatus),
			"version": job.Version - 1,
		},
		NewState: map[string]any{
			"status":  string(job.Status),
			"version": job.Version,
		},
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		Timestamp:      now,
	}
}
