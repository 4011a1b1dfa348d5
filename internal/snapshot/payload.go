package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"blockparty/internal/canvas"
)

// PayloadV1 is the serialized snapshot_data stored in world_snapshots:
// the final block map, the set of builders, and the frame count of the
// encoded timelapse.
type PayloadV1 struct {
	Version    int    `json:"version"`
	WorldID    string `json:"world_id"`
	FrameCount int    `json:"frame_count"`
	BlockCount int    `json:"block_count"`

	Builders []string  `json:"builders"`
	Blocks   []BlockV1 `json:"blocks"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

type BlockV1 struct {
	X              int    `json:"x"`
	Y              int    `json:"y"`
	Type           string `json:"block_type"`
	PlacedBy       string `json:"placed_by"`
	PlacedAtUnixMs int64  `json:"placed_at_unix_ms"`
}

// BuildPayload flattens a cell map into a deterministic payload.
func BuildPayload(worldID string, blocks map[canvas.Cell]canvas.Block, frameCount int, now time.Time) PayloadV1 {
	p := PayloadV1{
		Version:         1,
		WorldID:         worldID,
		FrameCount:      frameCount,
		BlockCount:      len(blocks),
		CreatedAtUnixMs: now.UTC().UnixMilli(),
	}

	builders := map[string]bool{}
	for c, b := range blocks {
		builders[b.PlacedBy] = true
		p.Blocks = append(p.Blocks, BlockV1{
			X:              c.X,
			Y:              c.Y,
			Type:           string(b.Type),
			PlacedBy:       b.PlacedBy,
			PlacedAtUnixMs: b.PlacedAt.UTC().UnixMilli(),
		})
	}
	sort.Slice(p.Blocks, func(i, j int) bool {
		if p.Blocks[i].X != p.Blocks[j].X {
			return p.Blocks[i].X < p.Blocks[j].X
		}
		return p.Blocks[i].Y < p.Blocks[j].Y
	})
	for b := range builders {
		p.Builders = append(p.Builders, b)
	}
	sort.Strings(p.Builders)
	return p
}

// EncodePayload serializes and zstd-compresses a payload.
func EncodePayload(p PayloadV1) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(enc).Encode(&p); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodePayload(data []byte) (PayloadV1, error) {
	var p PayloadV1
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return p, err
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
