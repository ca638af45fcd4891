package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/emberlane/rollupd/internal/model"
)

// MemoryManager is an in-memory Manager for tests. Allocated paths are
// synthetic; nothing touches the filesystem.
type MemoryManager struct {
	mu        sync.Mutex
	latest    model.Snapshot
	hasLatest bool
	allocated int
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager returns an empty manager. Seed an initial snapshot with
// SetLatest before handing it to the runner.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{}
}

func (m *MemoryManager) GetLatest(_ context.Context) (model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasLatest {
		return model.Snapshot{}, ErrNoSnapshot
	}
	return m.latest, nil
}

func (m *MemoryManager) GetStorageDirectory(_ context.Context, epoch uint64) (model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocated++
	return model.Snapshot{
		Path:  fmt.Sprintf("mem://snapshots/epoch-%d-%d", epoch, m.allocated),
		Epoch: epoch,
	}, nil
}

func (m *MemoryManager) SetLatest(_ context.Context, snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = snap
	m.hasLatest = true
	return nil
}
