package crowd

import (
	"context"
	"sync"
	"time"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

// Store keeps recent reports ordered by receive time.
type Store interface {
	// Add stores r and drops reports received before pruneBefore.
	Add(ctx context.Context, r domain.SeismicReport, pruneBefore time.Time) error
	// Since returns reports received strictly after t.
	Since(ctx context.Context, t time.Time) ([]domain.SeismicReport, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	reports []domain.SeismicReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Add(_ context.Context, r domain.SeismicReport, pruneBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.reports[:0]
	for _, o := range m.reports {
		if !o.ReceivedAt.Before(pruneBefore) {
			kept = append(kept, o)
		}
	}
	m.reports = append(kept, r)
	return nil
}

func (m *MemoryStore) Since(_ context.Context, t time.Time) ([]domain.SeismicReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SeismicReport
	for _, o := range m.reports {
		if o.ReceivedAt.After(t) {
			out = append(out, o)
		}
	}
	return out, nil
}
