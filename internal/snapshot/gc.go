package snapshot

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// GC periodically prunes stale snapshot directories under an FSManager
// root, keeping the newest retain directories. The target of the latest
// link is never removed regardless of age.
type GC struct {
	manager  *FSManager
	retain   int
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGC creates a pruner over the manager's root directory.
func NewGC(m *FSManager, retain int, interval time.Duration, logger *slog.Logger) *GC {
	return &GC{manager: m, retain: retain, interval: interval, logger: logger}
}

// Start begins periodic pruning. It runs one pass immediately, then on each
// tick.
func (g *GC) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(ctx)
	}()
}

// Stop cancels the pruner and waits for the current pass (if any) to finish.
func (g *GC) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *GC) run(ctx context.Context) {
	g.pruneOnce(ctx)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.pruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single pruning pass. Exposed for the CLI and tests.
func (g *GC) PruneOnce(ctx context.Context) (removed int) {
	return g.pruneOnce(ctx)
}

func (g *GC) pruneOnce(ctx context.Context) (removed int) {
	root := g.manager.root
	latest, err := g.manager.GetLatest(ctx)
	if err != nil && err != ErrNoSnapshot {
		g.logger.Error("snapshot gc: read latest pointer failed", "err", err)
		return 0
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		g.logger.Error("snapshot gc: list root failed", "err", err)
		return 0
	}

	type candidate struct {
		path  string
		epoch uint64
	}
	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "epoch-") {
			continue
		}
		full := filepath.Join(root, entry.Name())
		if full == latest.Path {
			continue
		}
		epoch, err := epochFromDir(entry.Name())
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: full, epoch: epoch})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].epoch > candidates[j].epoch
	})

	keep := g.retain
	if keep < 0 {
		keep = 0
	}
	for i, c := range candidates {
		if i < keep {
			continue
		}
		if err := os.RemoveAll(c.path); err != nil {
			g.logger.Error("snapshot gc: remove failed", "path", c.path, "err", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		g.logger.Info("snapshot gc completed", "removed", removed, "kept", len(candidates)-removed)
	}
	return removed
}
