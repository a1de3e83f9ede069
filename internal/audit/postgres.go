package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	derrors "github.com/cleanco/dispatchcore/internal/errors"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// namedExecer is satisfied by both *sqlx.DB and *sqlx.Tx, letting a
// PostgresWriter write against its own connection or inside a caller's
// existing transaction depending on which handle constructs it.
type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// PostgresWriter persists audit entries to the append-only audit_logs table.
type PostgresWriter struct {
	db namedExecer
}

func NewPostgresWriter(db namedExecer) *PostgresWriter {
	return &PostgresWriter{db: db}
}

const insertAuditSQL = `
INSERT INTO audit_logs (
	entity_type, entity_id, action, actor_kind, actor_id, actor_name,
	previous_state, new_state, reason, idempotency_key, created_at
) VALUES (
	:entity_type, :entity_id, :action, :actor_kind, :actor_id, :actor_name,
	:previous_state, :new_state, :reason, :idempotency_key, :created_at
)`

func (w *PostgresWriter) Write(ctx context.Context, entry domain.AuditEntry) error {
	prev, err := json.Marshal(entry.PreviousState)
	if err != nil {
		return derrors.Wrap(err, "marshal previous state")
	}
	next, err := json.Marshal(entry.NewState)
	if err != nil {
		return derrors.Wrap(err, "marshal new state")
	}
	params := map[string]any{
		"entity_type":     entry.EntityType,
		"entity_id":       entry.EntityID,
		"action":          entry.Action,
		"actor_kind":      string(entry.Actor.Kind),
		"actor_id":        entry.Actor.ID,
		"actor_name":      entry.Actor.Name,
		"previous_state":  prev,
		"new_state":       next,
		"reason":          entry.Reason,
		"idempotency_key": entry.IdempotencyKey,
		"created_at":      entry.Timestamp,
	}
	if _, err := w.db.NamedExecContext(ctx, insertAuditSQL, params); err != nil {
		return derrors.Wrap(err, "insert audit log")
	}
	return nil
}
