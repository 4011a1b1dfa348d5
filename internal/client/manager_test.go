package client

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"blockparty/internal/canvas"
	"blockparty/internal/config"
	"blockparty/internal/persistence/repo"
)

type fakeAttacher struct {
	mu       sync.Mutex
	attached []string
	detaches int
}

func (f *fakeAttacher) Attach(worldID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, worldID)
}

func (f *fakeAttacher) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detaches++
}

func (f *fakeAttacher) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.attached) == 0 {
		return ""
	}
	return f.attached[len(f.attached)-1]
}

type fakeJoiner struct {
	mu     sync.Mutex
	joined []string
	leaves int
}

func (f *fakeJoiner) Join(worldID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, worldID)
}

func (f *fakeJoiner) Leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
}

type fakeFinalizer struct {
	mu        sync.Mutex
	finalized []string
	resets    int
	err       error
}

func (f *fakeFinalizer) Finalize(ctx context.Context, worldID string, blocks map[canvas.Cell]canvas.Block, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, worldID)
	return f.err
}

func (f *fakeFinalizer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

type harness struct {
	mgr      *Manager
	backend  *repo.Memory
	grid     *canvas.Store
	feed     *fakeAttacher
	presence *fakeJoiner
	snaps    *fakeFinalizer
	now      *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.RateLimit.Max = 10
	cfg.RateLimit.Window = 10 * time.Second

	now := time.UnixMilli(1_700_000_000_000)
	h := &harness{
		backend:  repo.NewMemory(),
		grid:     canvas.NewStore(cfg.GridSize),
		feed:     &fakeAttacher{},
		presence: &fakeJoiner{},
		snaps:    &fakeFinalizer{},
		now:      &now,
	}
	h.mgr = NewManager(cfg, h.backend, h.grid, canvas.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window),
		h.feed, h.presence, h.snaps, NewEvents(), "Brave Otter",
		log.New(os.Stdout, "[client-test] ", log.LstdFlags))
	h.mgr.nowFn = func() time.Time { return *h.now }
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartCreatesWorldWhenNoneExists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if h.mgr.Phase() != PhaseActiveUntimed {
		t.Fatalf("phase %s", h.mgr.Phase())
	}
	world := h.mgr.World()
	if world.ID == "" || world.Timed() {
		t.Fatalf("world: %+v", world)
	}
	if h.feed.last() != world.ID {
		t.Fatalf("feed attached to %q", h.feed.last())
	}
	if len(h.presence.joined) != 1 || h.presence.joined[0] != world.ID {
		t.Fatalf("presence joined %v", h.presence.joined)
	}
}

func TestStartAdoptsExistingWorldAndBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	world, err := h.backend.CreateWorld(ctx, *h.now)
	if err != nil {
		t.Fatal(err)
	}
	seed := repo.PlacedBlock{WorldID: world.ID, X: 7, Y: 8, Type: canvas.BlockTree, PlacedBy: "Calm Heron", PlacedAt: *h.now}
	if err := h.backend.InsertBlock(ctx, seed); err != nil {
		t.Fatal(err)
	}

	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if h.mgr.World().ID != world.ID {
		t.Fatalf("adopted %s, want %s", h.mgr.World().ID, world.ID)
	}
	got, ok := h.grid.Get(7, 8)
	if !ok || got.Type != canvas.BlockTree || got.PlacedBy != "Calm Heron" {
		t.Fatalf("seed block not loaded: %+v ok=%v", got, ok)
	}
}

func TestFirstPlacementStartsTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if !h.mgr.PlaceBlock(ctx, 3, 4, canvas.BlockStone) {
		t.Fatal("placement rejected")
	}
	if _, ok := h.grid.Get(3, 4); !ok {
		t.Fatal("optimistic write missing")
	}

	waitFor(t, "timer start", func() bool { return h.mgr.Phase() == PhaseActiveTimed })
	world := h.mgr.World()
	if !world.Timed() {
		t.Fatalf("world untimed: %+v", world)
	}
	if got := world.ResetAt.Sub(world.StartedAt); got != 30*time.Minute {
		t.Fatalf("session length %s", got)
	}

	// A second placement never moves the committed timing.
	started := world.StartedAt
	*h.now = h.now.Add(time.Minute)
	if !h.mgr.PlaceBlock(ctx, 4, 4, canvas.BlockWood) {
		t.Fatal("second placement rejected")
	}
	waitFor(t, "second push", func() bool {
		blocks, err := h.backend.ListBlocks(ctx, world.ID)
		return err == nil && len(blocks) == 2
	})
	if !h.mgr.World().StartedAt.Equal(started) {
		t.Fatalf("timer moved from %s to %s", started, h.mgr.World().StartedAt)
	}
}

func TestPlacementRateLimitBurst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}

	accepted := 0
	for i := 0; i < 11; i++ {
		if h.mgr.PlaceBlock(ctx, i, 0, canvas.BlockGrass) {
			accepted++
		}
	}
	if accepted != 10 {
		t.Fatalf("accepted %d of 11", accepted)
	}
	if h.grid.Len() != 10 {
		t.Fatalf("grid has %d blocks", h.grid.Len())
	}

	// The window slides: one window later placements are accepted again.
	*h.now = h.now.Add(11 * time.Second)
	if !h.mgr.PlaceBlock(ctx, 0, 1, canvas.BlockGrass) {
		t.Fatal("placement rejected after window slid")
	}
}

func TestPlacementRejectedOnOccupiedCell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if !h.mgr.PlaceBlock(ctx, 2, 2, canvas.BlockGrass) {
		t.Fatal("first placement rejected")
	}
	if h.mgr.PlaceBlock(ctx, 2, 2, canvas.BlockWater) {
		t.Fatal("occupied cell accepted")
	}
	got, _ := h.grid.Get(2, 2)
	if got.Type != canvas.BlockGrass {
		t.Fatalf("cell overwritten: %+v", got)
	}
}

func TestExpiryTriggersSingleReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	oldWorld := h.mgr.World().ID

	if !h.mgr.PlaceBlock(ctx, 1, 1, canvas.BlockHouse) {
		t.Fatal("placement rejected")
	}
	waitFor(t, "timer start", func() bool { return h.mgr.Phase() == PhaseActiveTimed })

	*h.now = h.now.Add(31 * time.Minute)
	h.mgr.Tick(ctx)
	h.mgr.Tick(ctx) // second tick must be a no-op

	if h.mgr.Phase() != PhaseActiveUntimed {
		t.Fatalf("phase after reset: %s", h.mgr.Phase())
	}
	newWorld := h.mgr.World().ID
	if newWorld == "" || newWorld == oldWorld {
		t.Fatalf("world not swapped: old=%s new=%s", oldWorld, newWorld)
	}
	if h.grid.Len() != 0 {
		t.Fatalf("grid not cleared: %d blocks", h.grid.Len())
	}

	h.snaps.mu.Lock()
	finalized := append([]string(nil), h.snaps.finalized...)
	resets := h.snaps.resets
	h.snaps.mu.Unlock()
	if len(finalized) != 1 || finalized[0] != oldWorld {
		t.Fatalf("finalized %v", finalized)
	}
	if resets != 1 {
		t.Fatalf("snapshot resets: %d", resets)
	}
	if h.feed.last() != newWorld {
		t.Fatalf("feed attached to %q after reset", h.feed.last())
	}

	// Placement works immediately on the fresh world.
	if !h.mgr.PlaceBlock(ctx, 1, 1, canvas.BlockGrass) {
		t.Fatal("placement on fresh world rejected")
	}
}

func TestResetSurvivesFinalizeFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	oldWorld := h.mgr.World().ID
	h.snaps.err = context.DeadlineExceeded

	if !h.mgr.PlaceBlock(ctx, 0, 0, canvas.BlockWater) {
		t.Fatal("placement rejected")
	}
	waitFor(t, "timer start", func() bool { return h.mgr.Phase() == PhaseActiveTimed })

	*h.now = h.now.Add(31 * time.Minute)
	h.mgr.Tick(ctx)

	if h.mgr.Phase() != PhaseActiveUntimed || h.mgr.World().ID == oldWorld {
		t.Fatalf("reset wedged: phase=%s world=%s", h.mgr.Phase(), h.mgr.World().ID)
	}
}

func TestReconcileRepushesLocalOnlyBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	world := h.mgr.World()

	// One durable row this client never saw, and one local cell the hub
	// never saw.
	remote := repo.PlacedBlock{WorldID: world.ID, X: 9, Y: 9, Type: canvas.BlockWater, PlacedBy: "Calm Heron", PlacedAt: *h.now}
	if err := h.backend.InsertBlock(ctx, remote); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.grid.PlaceLocal(4, 5, canvas.BlockWood, "Brave Otter", *h.now); !ok {
		t.Fatal("local place failed")
	}

	if err := h.mgr.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	if got, ok := h.grid.Get(9, 9); !ok || got.PlacedBy != "Calm Heron" {
		t.Fatalf("remote row not merged: %+v ok=%v", got, ok)
	}
	blocks, err := h.backend.ListBlocks(ctx, world.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, b := range blocks {
		if b.X == 4 && b.Y == 5 {
			found = b.PlacedBy == "Brave Otter"
		}
	}
	if !found {
		t.Fatalf("local-only cell not re-pushed: %+v", blocks)
	}

	// Reconcile again: nothing changes, nothing errors.
	if err := h.mgr.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks: %d", len(blocks))
	}
}

// flakyStore fails world creation a set number of times.
type flakyStore struct {
	*repo.Memory
	failures int
}

func (f *flakyStore) CreateWorld(ctx context.Context, now time.Time) (canvas.World, error) {
	if f.failures > 0 {
		f.failures--
		return canvas.World{}, context.DeadlineExceeded
	}
	return f.Memory.CreateWorld(ctx, now)
}

func TestResetRetriesWhenWorldCreationFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	oldWorld := h.mgr.World().ID

	flaky := &flakyStore{Memory: h.backend, failures: 2}
	h.mgr.backend = flaky

	if !h.mgr.PlaceBlock(ctx, 0, 0, canvas.BlockGrass) {
		t.Fatal("placement rejected")
	}
	waitFor(t, "timer start", func() bool { return h.mgr.Phase() == PhaseActiveTimed })

	*h.now = h.now.Add(31 * time.Minute)
	h.mgr.Tick(ctx)
	if h.mgr.Phase() != PhaseResetting {
		t.Fatalf("phase after failed reset: %s", h.mgr.Phase())
	}

	h.mgr.Tick(ctx) // second failure
	h.mgr.Tick(ctx) // creation succeeds

	if h.mgr.Phase() != PhaseActiveUntimed {
		t.Fatalf("phase after retries: %s", h.mgr.Phase())
	}
	if h.mgr.World().ID == oldWorld {
		t.Fatal("world not swapped after retry")
	}
}

func TestTickPeriodicallyRecountsFromDurableRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	world := h.mgr.World()

	// Rows written by other participants while our feed missed the events.
	for i, who := range []string{"Calm Heron", "Calm Heron", "Swift Fox"} {
		err := h.backend.InsertBlock(ctx, repo.PlacedBlock{
			WorldID: world.ID, X: i, Y: 0, Type: canvas.BlockStone, PlacedBy: who, PlacedAt: *h.now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	// Inside the interval the stale counters stand.
	h.mgr.Tick(ctx)
	if got := h.mgr.World().TotalBlocks; got != 0 {
		t.Fatalf("recounted early: total_blocks=%d", got)
	}

	*h.now = h.now.Add(h.mgr.cfg.RecountInterval)
	h.mgr.Tick(ctx)

	got := h.mgr.World()
	if got.TotalBlocks != 3 || got.UniqueBuilders != 2 {
		t.Fatalf("after recount total=%d builders=%d", got.TotalBlocks, got.UniqueBuilders)
	}
	durable, err := h.backend.GetWorld(ctx, world.ID)
	if err != nil {
		t.Fatal(err)
	}
	if durable.TotalBlocks != 3 || durable.UniqueBuilders != 2 {
		t.Fatalf("durable counters total=%d builders=%d", durable.TotalBlocks, durable.UniqueBuilders)
	}
}

func TestResolveActiveWorldSkipsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale, err := h.backend.CreateWorld(ctx, h.now.Add(-2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	start := h.now.Add(-90 * time.Minute)
	if _, err := h.backend.StartTimer(ctx, stale.ID, start, start.Add(30*time.Minute)); err != nil {
		t.Fatal(err)
	}

	world, err := h.mgr.ResolveActiveWorld(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if world.ID == stale.ID {
		t.Fatal("adopted expired world")
	}
	if world.Expired(*h.now) {
		t.Fatalf("resolved world expired: %+v", world)
	}
}
