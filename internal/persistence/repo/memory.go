package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"blockparty/internal/canvas"
)

// Memory is an in-process Store used by tests and by single-process runs
// that don't need a database file.
type Memory struct {
	mu        sync.RWMutex
	worlds    map[string]canvas.World
	order     []string // world ids in creation order
	blocks    map[string]map[canvas.Cell]PlacedBlock
	snapshots []SnapshotRecord
}

func NewMemory() *Memory {
	return &Memory{
		worlds: make(map[string]canvas.World),
		blocks: make(map[string]map[canvas.Cell]PlacedBlock),
	}
}

func (m *Memory) LatestWorld(ctx context.Context) (canvas.World, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return canvas.World{}, ErrNotFound
	}
	return m.worlds[m.order[len(m.order)-1]], nil
}

func (m *Memory) GetWorld(ctx context.Context, id string) (canvas.World, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.worlds[id]
	if !ok {
		return canvas.World{}, ErrNotFound
	}
	return w, nil
}

func (m *Memory) CreateWorld(ctx context.Context, now time.Time) (canvas.World, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := canvas.World{ID: uuid.NewString(), CreatedAt: now.UTC()}
	m.worlds[w.ID] = w
	m.order = append(m.order, w.ID)
	return w, nil
}

func (m *Memory) StartTimer(ctx context.Context, id string, startedAt, resetAt time.Time) (canvas.World, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.worlds[id]
	if !ok {
		return canvas.World{}, ErrNotFound
	}
	if w.StartedAt.IsZero() {
		w.StartedAt = startedAt.UTC()
		w.ResetAt = resetAt.UTC()
		m.worlds[id] = w
	}
	return w, nil
}

func (m *Memory) UpdateCounters(ctx context.Context, id string, totalBlocks, uniqueBuilders int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.worlds[id]
	if !ok {
		return ErrNotFound
	}
	w.TotalBlocks = totalBlocks
	w.UniqueBuilders = uniqueBuilders
	m.worlds[id] = w
	return nil
}

func (m *Memory) SetSnapshotURL(ctx context.Context, id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.worlds[id]
	if !ok {
		return ErrNotFound
	}
	w.SnapshotURL = url
	m.worlds[id] = w
	return nil
}

func (m *Memory) InsertBlock(ctx context.Context, b PlacedBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cells, ok := m.blocks[b.WorldID]
	if !ok {
		cells = make(map[canvas.Cell]PlacedBlock)
		m.blocks[b.WorldID] = cells
	}
	c := canvas.Cell{X: b.X, Y: b.Y}
	if _, taken := cells[c]; taken {
		return ErrDuplicate
	}
	cells[c] = b
	return nil
}

func (m *Memory) ListBlocks(ctx context.Context, worldID string) ([]PlacedBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cells := m.blocks[worldID]
	out := make([]PlacedBlock, 0, len(cells))
	for _, b := range cells {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].PlacedAt.Before(out[j].PlacedAt)
		}
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out, nil
}

func (m *Memory) CountBuilders(ctx context.Context, worldID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	for _, b := range m.blocks[worldID] {
		seen[b.PlacedBy] = true
	}
	return len(seen), nil
}

func (m *Memory) InsertSnapshot(ctx context.Context, rec SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, rec)
	return nil
}

func (m *Memory) ListSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.snapshots) {
		limit = len(m.snapshots)
	}
	out := make([]SnapshotRecord, 0, limit)
	for i := len(m.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.snapshots[i])
	}
	return out, nil
}
