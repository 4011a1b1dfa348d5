package snapshot

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"blockparty/internal/canvas"
	"blockparty/internal/persistence/repo"
)

// FrameFunc is the render collaborator's frame-export function; it returns
// one encoded PNG frame of the current canvas.
type FrameFunc func() ([]byte, error)

// Uploader is the slice of the blob client the generator needs.
type Uploader interface {
	PutBytes(ctx context.Context, objectKey string, data []byte, contentType string) error
	ObjectURL(objectKey string) string
}

// Generator owns the frame buffer for the active world. It samples the
// render collaborator on an interval and, at world expiry, encodes the
// buffered frames into a video artifact and persists the snapshot.
type Generator struct {
	mu          sync.Mutex
	interval    time.Duration
	frames      [][]byte
	lastCapture time.Time

	encoder   Encoder
	uploader  Uploader // nil disables artifact upload
	worlds    repo.WorldRepository
	snapshots repo.SnapshotRepository
	logger    *log.Logger
}

func NewGenerator(interval time.Duration, encoder Encoder, uploader Uploader, worlds repo.WorldRepository, snapshots repo.SnapshotRepository, logger *log.Logger) *Generator {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Generator{
		interval:  interval,
		encoder:   encoder,
		uploader:  uploader,
		worlds:    worlds,
		snapshots: snapshots,
		logger:    logger,
	}
}

// CaptureFrame appends one frame unless the capture interval has not yet
// elapsed (and force is false). A not-yet-ready render collaborator (nil
// render fn, error, or empty frame) skips the capture without failing the
// caller.
func (g *Generator) CaptureFrame(render FrameFunc, force bool, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !force && !g.lastCapture.IsZero() && now.Sub(g.lastCapture) < g.interval {
		return
	}
	if render == nil {
		return
	}
	frame, err := render()
	if err != nil || len(frame) == 0 {
		if err != nil {
			g.printf("frame capture skipped: %v", err)
		}
		return
	}
	g.frames = append(g.frames, frame)
	g.lastCapture = now
}

func (g *Generator) FrameCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.frames)
}

// Finalize encodes the buffered frames, uploads the artifact, and persists
// the snapshot row plus the world's counters and snapshot reference. With
// no frames buffered it is a silent no-op. Encode and upload failures are
// reported to the caller but leave the snapshot row persisted; the caller
// treats any returned error as best-effort and proceeds with reset.
func (g *Generator) Finalize(ctx context.Context, worldID string, blocks map[canvas.Cell]canvas.Block, now time.Time) error {
	g.mu.Lock()
	frames := g.frames
	g.frames = nil
	g.lastCapture = time.Time{}
	g.mu.Unlock()

	if len(frames) == 0 {
		return nil
	}

	payload := BuildPayload(worldID, blocks, len(frames), now)
	data, err := EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("snapshot payload: %w", err)
	}
	if g.snapshots != nil {
		rec := repo.SnapshotRecord{
			WorldID:        worldID,
			Data:           data,
			BlockCount:     payload.BlockCount,
			UniqueBuilders: len(payload.Builders),
			CreatedAt:      now,
		}
		if err := g.snapshots.InsertSnapshot(ctx, rec); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	if g.worlds != nil {
		if err := g.worlds.UpdateCounters(ctx, worldID, payload.BlockCount, len(payload.Builders)); err != nil {
			g.printf("update world counters: %v", err)
		}
	}

	if g.encoder == nil {
		return nil
	}
	video, err := g.encoder.Encode(ctx, frames)
	if err != nil {
		return fmt.Errorf("encode timelapse: %w", err)
	}
	if g.uploader == nil {
		return nil
	}
	key := fmt.Sprintf("worlds/%s.mp4", worldID)
	if err := g.uploader.PutBytes(ctx, key, video, "video/mp4"); err != nil {
		return fmt.Errorf("upload timelapse: %w", err)
	}
	if g.worlds != nil {
		if err := g.worlds.SetSnapshotURL(ctx, worldID, g.uploader.ObjectURL(key)); err != nil {
			g.printf("set snapshot url: %v", err)
		}
	}
	return nil
}

// Reset clears the frame buffer for the next world's capture cycle.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frames = nil
	g.lastCapture = time.Time{}
}

func (g *Generator) printf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}
