// Package subscriber manages push registrations and their token lifecycle.
package subscriber

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

// ErrNotFound is returned when no subscriber matches a lookup.
var ErrNotFound = errors.New("subscriber not found")

// Store persists subscribers keyed by device id.
type Store interface {
	Save(ctx context.Context, s domain.Subscriber) error
	Get(ctx context.Context, deviceID string) (domain.Subscriber, error)
	FindByToken(ctx context.Context, token string) (domain.Subscriber, error)
	List(ctx context.Context) ([]domain.Subscriber, error)
	Delete(ctx context.Context, deviceID string) error
}

// MemoryStore is a Store for tests and single-instance deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]domain.Subscriber
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]domain.Subscriber)}
}

func (m *MemoryStore) Save(_ context.Context, s domain.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.DeviceID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, deviceID string) (domain.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[deviceID]
	if !ok {
		return domain.Subscriber{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) FindByToken(_ context.Context, token string) (domain.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if s.Token == token {
			return s, nil
		}
	}
	return domain.Subscriber{}, ErrNotFound
}

// List returns subscribers ordered by device id.
func (m *MemoryStore) List(_ context.Context) ([]domain.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b domain.Subscriber) int { return strings.Compare(a.DeviceID, b.DeviceID) })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, deviceID)
	return nil
}
