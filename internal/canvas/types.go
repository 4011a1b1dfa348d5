package canvas

import (
	"fmt"
	"strings"
	"time"
)

// BlockType is the palette of placeable blocks.
type BlockType string

const (
	BlockGrass BlockType = "grass"
	BlockWater BlockType = "water"
	BlockStone BlockType = "stone"
	BlockWood  BlockType = "wood"
	BlockHouse BlockType = "house"
	BlockTree  BlockType = "tree"
)

var blockTypes = map[BlockType]bool{
	BlockGrass: true,
	BlockWater: true,
	BlockStone: true,
	BlockWood:  true,
	BlockHouse: true,
	BlockTree:  true,
}

func ParseBlockType(s string) (BlockType, error) {
	bt := BlockType(strings.ToLower(strings.TrimSpace(s)))
	if !blockTypes[bt] {
		return "", fmt.Errorf("unknown block type %q", s)
	}
	return bt, nil
}

// Cell is a grid coordinate. Cells are the key space for blocks; a cell is
// write-once for the life of a world.
type Cell struct {
	X int
	Y int
}

func (c Cell) String() string {
	return fmt.Sprintf("%d,%d", c.X, c.Y)
}

// Block is one placed cell. Once written it never changes until the owning
// world is reset.
type Block struct {
	Type     BlockType
	PlacedBy string
	PlacedAt time.Time
}

// World is the lifecycle record for one canvas session. StartedAt/ResetAt
// stay zero until the first block is placed (lazy session start).
type World struct {
	ID             string
	CreatedAt      time.Time
	StartedAt      time.Time
	ResetAt        time.Time
	TotalBlocks    int
	UniqueBuilders int
	SnapshotURL    string
}

// Timed reports whether the session timer has been started.
func (w World) Timed() bool {
	return !w.StartedAt.IsZero() && !w.ResetAt.IsZero()
}

// Expired reports whether the world's session has run out at now. An
// untimed world never expires.
func (w World) Expired(now time.Time) bool {
	return w.Timed() && !now.Before(w.ResetAt)
}
