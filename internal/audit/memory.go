package audit

import (
	"context"
	"sync"

	"github.com/cleanco/dispatchcore/internal/domain"
)

// MemoryWriter accumulates entries in process, for tests.
type MemoryWriter struct {
	mu      sync.Mutex
	Entries []domain.AuditEntry
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (w *MemoryWriter) Write(_ context.Context, entry domain.AuditEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Entries = append(w.Entries, entry)
	return nil
}
