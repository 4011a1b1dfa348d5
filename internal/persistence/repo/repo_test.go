package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"blockparty/internal/canvas"
)

// Both backends must satisfy the same contract.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestRepo_WorldLifecycle(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := st.LatestWorld(ctx); err != ErrNotFound {
				t.Fatalf("LatestWorld on empty store: err=%v want ErrNotFound", err)
			}

			t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			w1, err := st.CreateWorld(ctx, t0)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if w1.Timed() {
				t.Fatalf("fresh world already timed: %+v", w1)
			}

			w2, err := st.CreateWorld(ctx, t0.Add(time.Minute))
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			latest, err := st.LatestWorld(ctx)
			if err != nil {
				t.Fatalf("latest: %v", err)
			}
			if latest.ID != w2.ID {
				t.Fatalf("latest=%s want %s", latest.ID, w2.ID)
			}

			if _, err := st.GetWorld(ctx, "missing"); err != ErrNotFound {
				t.Fatalf("GetWorld(missing): err=%v want ErrNotFound", err)
			}
		})
	}
}

func TestRepo_StartTimerIsCompareAndSet(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			w, err := st.CreateWorld(ctx, t0)
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			first, err := st.StartTimer(ctx, w.ID, t0, t0.Add(30*time.Minute))
			if err != nil {
				t.Fatalf("first StartTimer: %v", err)
			}
			if !first.StartedAt.Equal(t0) || !first.ResetAt.Equal(t0.Add(30*time.Minute)) {
				t.Fatalf("first StartTimer committed %+v", first)
			}

			// A racing second caller must adopt the committed values, not
			// overwrite them.
			later := t0.Add(5 * time.Second)
			second, err := st.StartTimer(ctx, w.ID, later, later.Add(30*time.Minute))
			if err != nil {
				t.Fatalf("second StartTimer: %v", err)
			}
			if !second.StartedAt.Equal(first.StartedAt) || !second.ResetAt.Equal(first.ResetAt) {
				t.Fatalf("loser overwrote timer: %+v vs %+v", second, first)
			}
		})
	}
}

func TestRepo_BlockUniqueConstraint(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			w, _ := st.CreateWorld(ctx, t0)

			b := PlacedBlock{WorldID: w.ID, X: 3, Y: 3, Type: canvas.BlockWater, PlacedBy: "Fox", PlacedAt: t0}
			if err := st.InsertBlock(ctx, b); err != nil {
				t.Fatalf("insert: %v", err)
			}

			dup := b
			dup.Type = canvas.BlockStone
			dup.PlacedBy = "Owl"
			if err := st.InsertBlock(ctx, dup); err != ErrDuplicate {
				t.Fatalf("duplicate insert: err=%v want ErrDuplicate", err)
			}

			got, err := st.ListBlocks(ctx, w.ID)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 1 || got[0].Type != canvas.BlockWater || got[0].PlacedBy != "Fox" {
				t.Fatalf("first write did not win: %+v", got)
			}
		})
	}
}

func TestRepo_CountBuilders(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			w, _ := st.CreateWorld(ctx, t0)

			places := []PlacedBlock{
				{WorldID: w.ID, X: 0, Y: 0, Type: canvas.BlockGrass, PlacedBy: "Fox", PlacedAt: t0},
				{WorldID: w.ID, X: 0, Y: 1, Type: canvas.BlockGrass, PlacedBy: "Fox", PlacedAt: t0},
				{WorldID: w.ID, X: 1, Y: 0, Type: canvas.BlockTree, PlacedBy: "Owl", PlacedAt: t0},
			}
			for _, b := range places {
				if err := st.InsertBlock(ctx, b); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}

			n, err := st.CountBuilders(ctx, w.ID)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != 2 {
				t.Fatalf("builders=%d want 2", n)
			}
		})
	}
}

func TestRepo_Snapshots(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			w, _ := st.CreateWorld(ctx, t0)

			rec := SnapshotRecord{
				WorldID:        w.ID,
				Data:           []byte("payload"),
				BlockCount:     7,
				UniqueBuilders: 2,
				CreatedAt:      t0.Add(30 * time.Minute),
			}
			if err := st.InsertSnapshot(ctx, rec); err != nil {
				t.Fatalf("insert snapshot: %v", err)
			}

			got, err := st.ListSnapshots(ctx, 10)
			if err != nil {
				t.Fatalf("list snapshots: %v", err)
			}
			if len(got) != 1 || got[0].WorldID != w.ID || got[0].BlockCount != 7 {
				t.Fatalf("snapshots=%+v", got)
			}

			if err := st.SetSnapshotURL(ctx, w.ID, "https://blob/worlds/"+w.ID+".mp4"); err != nil {
				t.Fatalf("set url: %v", err)
			}
			ww, _ := st.GetWorld(ctx, w.ID)
			if ww.SnapshotURL == "" {
				t.Fatalf("snapshot url not persisted")
			}
		})
	}
}
