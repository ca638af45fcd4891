package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emberlane/rollupd/internal/idgen"
	"github.com/emberlane/rollupd/internal/model"
)

const latestLink = "latest"

// FSManager keeps snapshot directories under a single root directory. The
// latest pointer is a "latest" symlink inside the root, swapped atomically
// via rename.
type FSManager struct {
	root string
}

var _ Manager = (*FSManager)(nil)

// NewFSManager creates the root directory if needed and returns a manager
// over it.
func NewFSManager(root string) (*FSManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return &FSManager{root: root}, nil
}

func (m *FSManager) GetLatest(_ context.Context) (model.Snapshot, error) {
	target, err := os.Readlink(filepath.Join(m.root, latestLink))
	if os.IsNotExist(err) {
		return model.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("read latest link: %w", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(m.root, target)
	}
	epoch, err := epochFromDir(filepath.Base(target))
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("latest link points at %q: %w", target, err)
	}
	return model.Snapshot{Path: target, Epoch: epoch}, nil
}

func (m *FSManager) GetStorageDirectory(_ context.Context, epoch uint64) (model.Snapshot, error) {
	suffix, err := idgen.Generate()
	if err != nil {
		return model.Snapshot{}, err
	}
	dir := filepath.Join(m.root, fmt.Sprintf("epoch-%d-%s", epoch, suffix))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.Snapshot{}, fmt.Errorf("allocate snapshot directory: %w", err)
	}
	return model.Snapshot{Path: dir, Epoch: epoch}, nil
}

func (m *FSManager) SetLatest(_ context.Context, snap model.Snapshot) error {
	if _, err := os.Stat(snap.Path); err != nil {
		return fmt.Errorf("snapshot path missing: %w", err)
	}
	// Symlink to the directory name, not the absolute path, so the root can
	// be relocated. The link is created under a temporary name and renamed
	// over the old one so readers never see a missing pointer.
	tmp := filepath.Join(m.root, latestLink+".tmp")
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear stale temp link: %w", err)
	}
	if err := os.Symlink(filepath.Base(snap.Path), tmp); err != nil {
		return fmt.Errorf("create latest link: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(m.root, latestLink)); err != nil {
		return fmt.Errorf("swap latest link: %w", err)
	}
	return nil
}

// Bootstrap creates a genesis (epoch 0) snapshot directory and points the
// latest link at it. It is a no-op when a latest snapshot already exists.
func (m *FSManager) Bootstrap(ctx context.Context) (model.Snapshot, error) {
	if snap, err := m.GetLatest(ctx); err == nil {
		return snap, nil
	} else if err != ErrNoSnapshot {
		return model.Snapshot{}, err
	}
	snap, err := m.GetStorageDirectory(ctx, 0)
	if err != nil {
		return model.Snapshot{}, err
	}
	if err := m.SetLatest(ctx, snap); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

// epochFromDir parses the epoch out of an "epoch-<n>-<suffix>" directory
// name.
func epochFromDir(name string) (uint64, error) {
	rest, ok := strings.CutPrefix(name, "epoch-")
	if !ok {
		return 0, fmt.Errorf("not a snapshot directory name: %q", name)
	}
	numStr, _, _ := strings.Cut(rest, "-")
	epoch, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a snapshot directory name: %q", name)
	}
	return epoch, nil
}
