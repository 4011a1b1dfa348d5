// Package repo defines the durable-storage interfaces the core depends on,
// so lifecycle and placement logic never touch a concrete backend directly.
package repo

import (
	"context"
	"errors"
	"time"

	"blockparty/internal/canvas"
)

var (
	// ErrNotFound is returned when no matching row exists.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert loses the (world_id,x,y)
	// unique constraint race. First committed write wins.
	ErrDuplicate = errors.New("duplicate cell")
)

// PlacedBlock is one durable block row.
type PlacedBlock struct {
	WorldID  string
	X        int
	Y        int
	Type     canvas.BlockType
	PlacedBy string
	PlacedAt time.Time
}

// SnapshotRecord is one archived world snapshot row. Data is the serialized
// blocks+builders+frame_count payload; the encoded video artifact lives in
// blob storage and is referenced from the world row.
type SnapshotRecord struct {
	WorldID        string
	Data           []byte
	BlockCount     int
	UniqueBuilders int
	CreatedAt      time.Time
}

type WorldRepository interface {
	// LatestWorld returns the most recently created world, or ErrNotFound.
	LatestWorld(ctx context.Context) (canvas.World, error)
	GetWorld(ctx context.Context, id string) (canvas.World, error)
	// CreateWorld inserts a fresh world with zero counters and null timing.
	CreateWorld(ctx context.Context, now time.Time) (canvas.World, error)
	// StartTimer sets started_at/reset_at if and only if they are still
	// null. The durable write is the tiebreaker between racing first
	// placements: the returned world always carries the committed values,
	// which may be another caller's.
	StartTimer(ctx context.Context, id string, startedAt, resetAt time.Time) (canvas.World, error)
	UpdateCounters(ctx context.Context, id string, totalBlocks, uniqueBuilders int) error
	SetSnapshotURL(ctx context.Context, id, url string) error
}

type BlockRepository interface {
	// InsertBlock persists one block; ErrDuplicate when the cell is taken.
	InsertBlock(ctx context.Context, b PlacedBlock) error
	ListBlocks(ctx context.Context, worldID string) ([]PlacedBlock, error)
	// CountBuilders returns distinct placed_by values for the world.
	CountBuilders(ctx context.Context, worldID string) (int, error)
}

type SnapshotRepository interface {
	InsertSnapshot(ctx context.Context, rec SnapshotRecord) error
	ListSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
}

// Store bundles the three repositories; every backend implements all of
// them over one handle.
type Store interface {
	WorldRepository
	BlockRepository
	SnapshotRepository
}
