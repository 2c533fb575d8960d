package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/nexlance/wallet-service/internal/idgen"
)

// MemoryGateway is an in-memory checkpoint gateway for demo/development
// mode and unit tests.
type MemoryGateway struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryGateway creates a new in-memory checkpoint gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{checkpoints: make(map[string]*Checkpoint)}
}

// Put seeds a checkpoint record. Existing records with the same ID are
// replaced. Used in demo mode and tests; production records come from
// the projects service via the shared database.
func (m *MemoryGateway) Put(ctx context.Context, c *Checkpoint) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("chk_")
	}
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.checkpoints[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryGateway) Get(ctx context.Context, id string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.checkpoints[id]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryGateway) SetStatusIf(ctx context.Context, id string, expected, next Status) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.checkpoints[id]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	if c.Status != expected {
		return nil, ErrStatusConflict
	}
	c.Status = next
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	return &cp, nil
}
