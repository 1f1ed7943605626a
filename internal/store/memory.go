package store

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"
)

// MemoryStore keeps consultations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]models.Consultation
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]models.Consultation),
		now:   time.Now,
	}
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (models.Consultation, error) {
	if err := ctx.Err(); err != nil {
		return models.Consultation{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[id]
	if !ok {
		return models.Consultation{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status models.ConsultationStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = m.now().UTC()
	m.items[id] = c
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, c models.Consultation) error {
	if err := validate(c); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = models.StatusScheduled
	}
	c.UpdatedAt = m.now().UTC()
	m.mu.Lock()
	m.items[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
