package canvas

import (
	"testing"
	"time"
)

func TestStore_PlaceLocal_Bounds(t *testing.T) {
	s := NewStore(50)
	now := time.Now()

	cases := []struct {
		x, y int
		ok   bool
	}{
		{0, 0, true},
		{49, 49, true},
		{-1, 0, false},
		{0, -1, false},
		{50, 0, false},
		{0, 50, false},
	}
	for _, tc := range cases {
		_, ok := s.PlaceLocal(tc.x, tc.y, BlockGrass, "Fox", now)
		if ok != tc.ok {
			t.Errorf("PlaceLocal(%d,%d): got ok=%v want %v", tc.x, tc.y, ok, tc.ok)
		}
	}
}

func TestStore_FirstWriteWins(t *testing.T) {
	s := NewStore(50)
	now := time.Now()

	if _, ok := s.PlaceLocal(3, 3, BlockWater, "Fox", now); !ok {
		t.Fatalf("first placement rejected")
	}
	if _, ok := s.PlaceLocal(3, 3, BlockStone, "Owl", now.Add(time.Second)); ok {
		t.Fatalf("second placement at occupied cell accepted")
	}

	b, ok := s.Get(3, 3)
	if !ok {
		t.Fatalf("cell (3,3) empty")
	}
	if b.Type != BlockWater || b.PlacedBy != "Fox" {
		t.Fatalf("cell (3,3) = %+v, want water by Fox", b)
	}
}

func TestStore_MergeRemote_Idempotent(t *testing.T) {
	s := NewStore(50)
	placedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !s.MergeRemote(5, 5, BlockGrass, "Fox", placedAt) {
		t.Fatalf("first merge rejected")
	}
	// Identical redelivery is a no-op, not an error.
	if s.MergeRemote(5, 5, BlockGrass, "Fox", placedAt) {
		t.Fatalf("duplicate merge reported as applied")
	}
	// A conflicting merge for an occupied cell must not drift attributes.
	s.MergeRemote(5, 5, BlockHouse, "Owl", placedAt.Add(time.Minute))

	b, _ := s.Get(5, 5)
	if b.Type != BlockGrass || b.PlacedBy != "Fox" || !b.PlacedAt.Equal(placedAt) {
		t.Fatalf("merge drifted attributes: %+v", b)
	}
	if s.Len() != 1 {
		t.Fatalf("Len=%d want 1", s.Len())
	}
}

func TestStore_LocalThenEcho(t *testing.T) {
	s := NewStore(50)
	now := time.Now()

	b, ok := s.PlaceLocal(7, 8, BlockTree, "Fox", now)
	if !ok {
		t.Fatalf("placement rejected")
	}
	// The realtime feed echoes our own insert back; it must not create a
	// second entry or alter the original.
	s.MergeRemote(7, 8, BlockTree, "Fox", now.Add(50*time.Millisecond))

	got, _ := s.Get(7, 8)
	if got != b {
		t.Fatalf("echo altered block: got %+v want %+v", got, b)
	}
	if s.Len() != 1 {
		t.Fatalf("Len=%d want 1", s.Len())
	}
}

func TestStore_UniqueBuilders(t *testing.T) {
	s := NewStore(50)
	now := time.Now()
	s.PlaceLocal(0, 0, BlockGrass, "Fox", now)
	s.PlaceLocal(0, 1, BlockGrass, "Fox", now)
	s.PlaceLocal(0, 2, BlockStone, "Owl", now)

	if got := s.UniqueBuilders(); got != 2 {
		t.Fatalf("UniqueBuilders=%d want 2", got)
	}
}

func TestStore_Clear(t *testing.T) {
	s := NewStore(50)
	now := time.Now()
	s.PlaceLocal(1, 1, BlockGrass, "Fox", now)
	s.Clear()

	if s.Len() != 0 {
		t.Fatalf("Len=%d after Clear", s.Len())
	}
	// The cell is placeable again in the fresh world.
	if _, ok := s.PlaceLocal(1, 1, BlockWood, "Owl", now); !ok {
		t.Fatalf("placement after Clear rejected")
	}
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore(50)
	now := time.Now()
	s.PlaceLocal(2, 2, BlockGrass, "Fox", now)

	snap := s.Snapshot()
	delete(snap, Cell{X: 2, Y: 2})
	if s.Len() != 1 {
		t.Fatalf("mutating snapshot affected store")
	}
}
