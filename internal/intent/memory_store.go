package intent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tavolo/paycore/internal/orderref"
	"github.com/tavolo/paycore/internal/syncutil"
)

// MemoryStore is an in-memory intent store for demo/development mode.
// Mutate serializes per intent id via a sharded mutex; the map mutex only
// guards lookups and inserts, never the apply critical section.
type MemoryStore struct {
	intents map[string]*Intent
	mu      sync.RWMutex
	locks   syncutil.ShardedMutex
}

// NewMemoryStore creates a new in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*Intent),
	}
}

func (m *MemoryStore) Create(ctx context.Context, it *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.intents[it.ID]; ok {
		return ErrIntentExists
	}
	m.intents[it.ID] = it.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return it.Clone(), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn func(it *Intent) (bool, error)) (*Intent, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	stored, ok := m.intents[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrIntentNotFound
	}

	work := stored.Clone()
	changed, err := fn(work)
	if err != nil {
		return nil, err
	}
	if !changed {
		return work, nil
	}

	m.mu.Lock()
	m.intents[id] = work.Clone()
	m.mu.Unlock()
	return work, nil
}

func (m *MemoryStore) RecordDispatchResult(ctx context.Context, intentID, signalID, dispatchErr string) error {
	unlock := m.locks.Lock(intentID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.intents[intentID]
	if !ok {
		return ErrIntentNotFound
	}
	for idx := range it.Signals {
		if it.Signals[idx].ID == signalID {
			it.Signals[idx].DispatchError = dispatchErr
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) FindByOrder(ctx context.Context, kind string, orderID string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Intent
	for _, it := range m.intents {
		if string(it.Reference.Kind) != kind {
			continue
		}
		id := it.Reference.PrimaryID
		if it.Reference.Kind == orderref.KindTable {
			id = it.Reference.SecondaryID
		}
		if id != orderID {
			continue
		}
		if latest == nil || it.CreatedAt.After(latest.CreatedAt) {
			latest = it
		}
	}
	if latest == nil {
		return nil, ErrIntentNotFound
	}
	return latest.Clone(), nil
}

func (m *MemoryStore) FindByReference(ctx context.Context, rawRef string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Intent
	for _, it := range m.intents {
		if it.Reference.String() != rawRef {
			continue
		}
		if latest == nil || it.CreatedAt.After(latest.CreatedAt) {
			latest = it
		}
	}
	if latest == nil {
		return nil, ErrIntentNotFound
	}
	return latest.Clone(), nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Intent
	for _, it := range m.intents {
		if it.Status == StatusPending && it.ExpiresAt.Before(before) {
			result = append(result, it.Clone())
		}
	}
	// Oldest first so a backlog drains in order.
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
