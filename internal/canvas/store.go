package canvas

import (
	"sync"
	"time"
)

// Store is the authoritative local replica of placed cells for the active
// world. Local optimistic writes and remote merges both land here; cells
// are first-write-wins and never overwritten or deleted until Clear.
type Store struct {
	mu       sync.RWMutex
	gridSize int
	cells    map[Cell]Block
}

func NewStore(gridSize int) *Store {
	if gridSize <= 0 {
		gridSize = 50
	}
	return &Store{
		gridSize: gridSize,
		cells:    make(map[Cell]Block),
	}
}

func (s *Store) GridSize() int {
	return s.gridSize
}

// PlaceLocal applies a user placement intent optimistically. It rejects
// out-of-bounds and already-occupied cells as silent no-ops. The occupancy
// check happens at the point of mutation, under the lock, so a remote merge
// that raced in first wins. The returned block is what the caller must
// persist durably.
func (s *Store) PlaceLocal(x, y int, bt BlockType, identity string, now time.Time) (Block, bool) {
	if x < 0 || x >= s.gridSize || y < 0 || y >= s.gridSize {
		return Block{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Cell{X: x, Y: y}
	if _, occupied := s.cells[c]; occupied {
		return Block{}, false
	}
	b := Block{Type: bt, PlacedBy: identity, PlacedAt: now}
	s.cells[c] = b
	return b, true
}

// MergeRemote applies a remote insert event or one entry of an initial
// full-state load. Merges are idempotent and order-independent: an occupied
// cell is left exactly as it is, whether it was filled by an earlier
// optimistic local write or an earlier merge.
func (s *Store) MergeRemote(x, y int, bt BlockType, identity string, placedAt time.Time) bool {
	if x < 0 || x >= s.gridSize || y < 0 || y >= s.gridSize {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Cell{X: x, Y: y}
	if _, occupied := s.cells[c]; occupied {
		return false
	}
	s.cells[c] = Block{Type: bt, PlacedBy: identity, PlacedAt: placedAt}
	return true
}

// Get returns the block at a cell, if any.
func (s *Store) Get(x, y int) (Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.cells[Cell{X: x, Y: y}]
	return b, ok
}

// Snapshot returns a copy of the cell map for the render collaborator and
// for snapshot finalization. Callers own the returned map.
func (s *Store) Snapshot() map[Cell]Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Cell]Block, len(s.cells))
	for c, b := range s.cells {
		out[c] = b
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

// UniqueBuilders counts distinct placed_by values across the local replica.
func (s *Store) UniqueBuilders() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, 8)
	for _, b := range s.cells {
		seen[b.PlacedBy] = true
	}
	return len(seen)
}

// Clear empties the map. Only the lifecycle manager calls this, on reset.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells = make(map[Cell]Block)
}
