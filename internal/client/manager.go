package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"blockparty/internal/canvas"
	"blockparty/internal/config"
	"blockparty/internal/persistence/repo"
	"blockparty/internal/protocol"
)

// Phase is the lifecycle state of the session this core is attached to.
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseActiveUntimed Phase = "ACTIVE_UNTIMED"
	PhaseActiveTimed   Phase = "ACTIVE_TIMED"
	PhaseExpired       Phase = "EXPIRED"
	PhaseResetting     Phase = "RESETTING"
)

// attacher and joiner are the realtime collaborators the manager drives
// across resets.
type attacher interface {
	Attach(worldID string)
	Detach()
}

type joiner interface {
	Join(worldID string)
	Leave()
}

// finalizer is the snapshot pipeline surface the reset path needs.
type finalizer interface {
	Finalize(ctx context.Context, worldID string, blocks map[canvas.Cell]canvas.Block, now time.Time) error
	Reset()
}

// Manager owns the world lifecycle: resolving the active world, the lazy
// session timer, optimistic placement with durable push, and the reset
// that swaps in a fresh world when the session runs out.
type Manager struct {
	cfg      config.Config
	backend  repo.Store
	grid     *canvas.Store
	limiter  *canvas.Limiter
	feed     attacher
	presence joiner
	snaps    finalizer
	events   *Events
	identity string
	logger   *log.Logger
	nowFn    func() time.Time

	mu          sync.Mutex
	phase       Phase
	world       canvas.World
	lastRecount time.Time

	resetting atomic.Bool
}

func NewManager(cfg config.Config, backend repo.Store, grid *canvas.Store, limiter *canvas.Limiter,
	feed attacher, presence joiner, snaps finalizer, events *Events, identity string, logger *log.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		backend:  backend,
		grid:     grid,
		limiter:  limiter,
		feed:     feed,
		presence: presence,
		snaps:    snaps,
		events:   events,
		identity: identity,
		logger:   logger,
		nowFn:    time.Now,
		phase:    PhaseUninitialized,
	}
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) World() canvas.World {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.world
}

// Start resolves the active world, loads its blocks into the grid, and
// brings up the realtime attachments.
func (m *Manager) Start(ctx context.Context) error {
	world, err := m.ResolveActiveWorld(ctx)
	if err != nil {
		return err
	}

	blocks, err := m.backend.ListBlocks(ctx, world.ID)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		m.grid.MergeRemote(b.X, b.Y, b.Type, b.PlacedBy, b.PlacedAt)
	}

	m.adoptWorld(world)
	if m.feed != nil {
		m.feed.Attach(world.ID)
	}
	if m.presence != nil {
		m.presence.Join(world.ID)
	}
	m.logger.Printf("attached world=%s blocks=%d phase=%s", world.ID, len(blocks), m.Phase())
	return nil
}

// Stop tears down the realtime attachments. The durable state is already
// on the hub; nothing needs flushing.
func (m *Manager) Stop() {
	if m.feed != nil {
		m.feed.Detach()
	}
	if m.presence != nil {
		m.presence.Leave()
	}
}

// ResolveActiveWorld returns the newest non-expired world, creating one if
// none exists. Racing creators all re-read latest and adopt the same
// winner, so a duplicate insert never splits the population.
func (m *Manager) ResolveActiveWorld(ctx context.Context) (canvas.World, error) {
	now := m.nowFn()
	world, err := m.backend.LatestWorld(ctx)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return canvas.World{}, err
	case !world.Expired(now):
		return world, nil
	}

	if _, err := m.backend.CreateWorld(ctx, now); err != nil {
		return canvas.World{}, err
	}
	world, err = m.backend.LatestWorld(ctx)
	if err != nil {
		return canvas.World{}, err
	}
	if world.Expired(now) {
		return canvas.World{}, errStaleWorld
	}
	return world, nil
}

// PlaceBlock is the optimistic placement path: local checks and the local
// write land immediately, then the durable push races everyone else's.
// The first committed write owns the cell; a lost race is repaired by the
// next reconciliation rather than surfaced as an error.
func (m *Manager) PlaceBlock(ctx context.Context, x, y int, bt canvas.BlockType) bool {
	m.mu.Lock()
	phase := m.phase
	world := m.world
	m.mu.Unlock()
	if phase != PhaseActiveUntimed && phase != PhaseActiveTimed {
		m.emitRejected(world.ID, x, y, "inactive phase")
		return false
	}

	now := m.nowFn()
	if world.Expired(now) {
		m.emitRejected(world.ID, x, y, protocol.ErrWorldExpired)
		return false
	}
	if !m.limiter.Allow(m.identity, now) {
		m.emitRejected(world.ID, x, y, protocol.ErrRateLimit)
		return false
	}
	block, ok := m.grid.PlaceLocal(x, y, bt, m.identity, now)
	if !ok {
		m.emitRejected(world.ID, x, y, protocol.ErrOccupied)
		return false
	}

	go m.pushBlock(ctx, world, x, y, block)
	return true
}

func (m *Manager) pushBlock(ctx context.Context, world canvas.World, x, y int, block canvas.Block) {
	err := m.backend.InsertBlock(ctx, repo.PlacedBlock{
		WorldID:  world.ID,
		X:        x,
		Y:        y,
		Type:     block.Type,
		PlacedBy: block.PlacedBy,
		PlacedAt: block.PlacedAt,
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// Someone else committed this cell first; the feed (or the next
		// reconciliation) will overwrite our optimistic copy.
		return
	}
	if err != nil {
		m.logger.Printf("push block (%d,%d): %v", x, y, err)
		return
	}

	// The very first durable placement starts the session clock.
	if !world.Timed() {
		m.StartTimerIfNeeded(ctx)
	}
}

// StartTimerIfNeeded arms the session timer once. The durable
// compare-and-set is the tiebreaker: whoever loses adopts the winner's
// timing, so started_at never moves after first set.
func (m *Manager) StartTimerIfNeeded(ctx context.Context) {
	m.mu.Lock()
	world := m.world
	m.mu.Unlock()
	if world.ID == "" || world.Timed() {
		return
	}

	now := m.nowFn()
	committed, err := m.backend.StartTimer(ctx, world.ID, now, now.Add(m.cfg.SessionDuration))
	if err != nil {
		m.logger.Printf("start timer: %v", err)
		return
	}
	m.adoptTiming(committed)
}

// HandleWorldUpdate folds an authoritative world row from the feed into
// local state.
func (m *Manager) HandleWorldUpdate(upd protocol.WorldUpdateMsg) {
	m.mu.Lock()
	if upd.WorldID != m.world.ID {
		m.mu.Unlock()
		return
	}
	m.world.TotalBlocks = upd.TotalBlocks
	m.world.UniqueBuilders = upd.UniqueBuilders
	if upd.SnapshotURL != "" {
		m.world.SnapshotURL = upd.SnapshotURL
	}
	if m.world.StartedAt.IsZero() && upd.StartedAtUnixMs > 0 {
		m.world.StartedAt = time.UnixMilli(upd.StartedAtUnixMs)
		m.world.ResetAt = time.UnixMilli(upd.ResetAtUnixMs)
		if m.phase == PhaseActiveUntimed {
			m.phase = PhaseActiveTimed
		}
	}
	world := m.world
	m.mu.Unlock()
	m.events.emit(Event{Kind: EventWorldUpdate, WorldID: world.ID, At: m.nowFn()})
}

// Reconcile diffs the local grid against the durable rows after a
// reconnect: remote rows merge in (first write wins per cell), and local
// cells the hub never saw are re-pushed.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	world := m.world
	m.mu.Unlock()
	if world.ID == "" {
		return nil
	}

	durable, err := m.backend.ListBlocks(ctx, world.ID)
	if err != nil {
		return err
	}
	seen := make(map[canvas.Cell]bool, len(durable))
	for _, b := range durable {
		seen[canvas.Cell{X: b.X, Y: b.Y}] = true
		m.grid.MergeRemote(b.X, b.Y, b.Type, b.PlacedBy, b.PlacedAt)
	}

	repushed := 0
	for cell, block := range m.grid.Snapshot() {
		if seen[cell] || block.PlacedBy != m.identity {
			continue
		}
		err := m.backend.InsertBlock(ctx, repo.PlacedBlock{
			WorldID:  world.ID,
			X:        cell.X,
			Y:        cell.Y,
			Type:     block.Type,
			PlacedBy: block.PlacedBy,
			PlacedAt: block.PlacedAt,
		})
		if err != nil && !errors.Is(err, repo.ErrDuplicate) {
			return err
		}
		repushed++
	}
	if repushed > 0 {
		// Counters were computed without the re-pushed rows; recount from
		// the durable state.
		if err := m.recount(ctx, world.ID); err != nil {
			m.logger.Printf("reconcile recount: %v", err)
		}
		m.logger.Printf("reconcile world=%s repushed=%d", world.ID, repushed)
	}
	return nil
}

func (m *Manager) recount(ctx context.Context, worldID string) error {
	blocks, err := m.backend.ListBlocks(ctx, worldID)
	if err != nil {
		return err
	}
	builders, err := m.backend.CountBuilders(ctx, worldID)
	if err != nil {
		return err
	}
	if err := m.backend.UpdateCounters(ctx, worldID, len(blocks), builders); err != nil {
		return err
	}
	m.mu.Lock()
	if m.world.ID == worldID {
		m.world.TotalBlocks = len(blocks)
		m.world.UniqueBuilders = builders
	}
	m.mu.Unlock()
	return nil
}

// Tick drives the lifecycle clock. Call it on a steady interval; it
// triggers the reset exactly once when the session runs out, and keeps
// the world counters honest with a periodic recount from the durable
// rows. A reset that could not obtain a fresh world stays in RESETTING
// and is retried on the next tick.
func (m *Manager) Tick(ctx context.Context) {
	now := m.nowFn()
	m.mu.Lock()
	phase := m.phase
	world := m.world
	expired := phase == PhaseActiveTimed && world.Expired(now)
	if expired {
		m.phase = PhaseExpired
	}
	recountDue := !expired && world.ID != "" &&
		(phase == PhaseActiveUntimed || phase == PhaseActiveTimed) &&
		now.Sub(m.lastRecount) >= m.cfg.RecountInterval
	if recountDue {
		m.lastRecount = now
	}
	m.mu.Unlock()

	switch {
	case expired:
		m.events.emit(Event{Kind: EventPhase, WorldID: world.ID, Detail: string(PhaseExpired), At: now})
		m.doReset(ctx, world)
	case phase == PhaseExpired || phase == PhaseResetting:
		m.doReset(ctx, world)
	case recountDue:
		if err := m.recount(ctx, world.ID); err != nil {
			m.logger.Printf("periodic recount world=%s: %v", world.ID, err)
		}
	}
}

// doReset is single-flight: overlapping ticks and racing peers collapse to
// one archive-and-swap per expiry.
func (m *Manager) doReset(ctx context.Context, expired canvas.World) {
	if !m.resetting.CompareAndSwap(false, true) {
		return
	}
	defer m.resetting.Store(false)

	m.setPhase(PhaseResetting, expired.ID)
	m.events.emit(Event{Kind: EventReset, WorldID: expired.ID, At: m.nowFn()})

	// Archive what we have. A failed archive must never wedge the reset;
	// the durable rows still exist for a later pass.
	if m.snaps != nil {
		if err := m.snaps.Finalize(ctx, expired.ID, m.grid.Snapshot(), m.nowFn()); err != nil {
			m.logger.Printf("finalize snapshot world=%s: %v", expired.ID, err)
		}
	}

	if m.feed != nil {
		m.feed.Detach()
	}
	if m.presence != nil {
		m.presence.Leave()
	}

	world, err := m.ResolveActiveWorld(ctx)
	if err != nil {
		// Stay in RESETTING; the next tick retries.
		m.logger.Printf("reset: resolve world: %v", err)
		return
	}

	m.grid.Clear()
	m.limiter.Reset()
	if m.snaps != nil {
		m.snaps.Reset()
	}

	m.adoptWorld(world)
	if m.feed != nil {
		m.feed.Attach(world.ID)
	}
	if m.presence != nil {
		m.presence.Join(world.ID)
	}
	m.logger.Printf("reset complete old=%s new=%s", expired.ID, world.ID)
}

func (m *Manager) adoptWorld(world canvas.World) {
	m.mu.Lock()
	m.world = world
	m.lastRecount = m.nowFn()
	if world.Timed() {
		m.phase = PhaseActiveTimed
	} else {
		m.phase = PhaseActiveUntimed
	}
	phase := m.phase
	m.mu.Unlock()
	m.events.emit(Event{Kind: EventPhase, WorldID: world.ID, Detail: string(phase), At: m.nowFn()})
}

func (m *Manager) adoptTiming(committed canvas.World) {
	m.mu.Lock()
	if committed.ID == m.world.ID && m.world.StartedAt.IsZero() && committed.Timed() {
		m.world.StartedAt = committed.StartedAt
		m.world.ResetAt = committed.ResetAt
		if m.phase == PhaseActiveUntimed {
			m.phase = PhaseActiveTimed
		}
	}
	world := m.world
	phase := m.phase
	m.mu.Unlock()
	if phase == PhaseActiveTimed {
		m.events.emit(Event{Kind: EventPhase, WorldID: world.ID, Detail: string(phase), At: m.nowFn()})
	}
}

func (m *Manager) setPhase(phase Phase, worldID string) {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
	m.events.emit(Event{Kind: EventPhase, WorldID: worldID, Detail: string(phase), At: m.nowFn()})
}

func (m *Manager) emitRejected(worldID string, x, y int, reason string) {
	m.events.emit(Event{
		Kind:    EventBlockRejected,
		WorldID: worldID,
		Detail:  canvas.Cell{X: x, Y: y}.String() + " " + reason,
		At:      m.nowFn(),
	})
}

var errStaleWorld = errors.New("latest world already expired")
