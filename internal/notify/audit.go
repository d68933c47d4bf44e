package notify

import (
	"context"
	"sync"
	"time"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

// AuditEntry records one provider call.
type AuditEntry struct {
	ID         string         `json:"id"`
	At         time.Time      `json:"at"`
	EventID    string         `json:"eventId"`
	Channel    domain.Channel `json:"channel"`
	Status     string         `json:"status"`
	ErrorCode  string         `json:"errorCode,omitempty"`
	Recipients int            `json:"recipients"`
	Success    int            `json:"success"`
	Failure    int            `json:"failure"`
}

// Audit status values.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// AuditSink persists audit entries.
type AuditSink interface {
	Record(ctx context.Context, e AuditEntry) error
}

// AuditReader lists the most recent entries, newest first.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}

// MemoryAudit keeps the last capacity entries in memory.
type MemoryAudit struct {
	mu       sync.Mutex
	capacity int
	entries  []AuditEntry
}

// NewMemoryAudit creates a bounded in-memory audit log.
func NewMemoryAudit(capacity int) *MemoryAudit {
	if capacity <= 0 {
		capacity = 200
	}
	return &MemoryAudit{capacity: capacity}
}

func (m *MemoryAudit) Record(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.capacity; over > 0 {
		m.entries = append(m.entries[:0:0], m.entries[over:]...)
	}
	return nil
}

func (m *MemoryAudit) Recent(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}
