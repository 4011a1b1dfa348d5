package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"blockparty/internal/canvas"
	"blockparty/internal/protocol"
)

// Remote implements Store against a hub's HTTP API. Processes that embed
// the canvas core but not the database (bots, secondary frontends) use it
// interchangeably with the direct backends.
type Remote struct {
	baseURL string
	http    *http.Client
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Remote) LatestWorld(ctx context.Context) (canvas.World, error) {
	var row protocol.WorldRow
	if err := r.call(ctx, http.MethodGet, "/v1/worlds/latest", nil, &row); err != nil {
		return canvas.World{}, err
	}
	return worldFromRow(row), nil
}

func (r *Remote) GetWorld(ctx context.Context, id string) (canvas.World, error) {
	var row protocol.WorldRow
	if err := r.call(ctx, http.MethodGet, "/v1/worlds/"+id, nil, &row); err != nil {
		return canvas.World{}, err
	}
	return worldFromRow(row), nil
}

func (r *Remote) CreateWorld(ctx context.Context, now time.Time) (canvas.World, error) {
	var row protocol.WorldRow
	if err := r.call(ctx, http.MethodPost, "/v1/worlds", nil, &row); err != nil {
		return canvas.World{}, err
	}
	return worldFromRow(row), nil
}

func (r *Remote) StartTimer(ctx context.Context, id string, startedAt, resetAt time.Time) (canvas.World, error) {
	req := protocol.StartTimerRequest{
		StartedAtUnixMs: startedAt.UnixMilli(),
		ResetAtUnixMs:   resetAt.UnixMilli(),
	}
	var row protocol.WorldRow
	if err := r.call(ctx, http.MethodPost, "/v1/worlds/"+id+"/timer", req, &row); err != nil {
		return canvas.World{}, err
	}
	return worldFromRow(row), nil
}

// UpdateCounters asks the hub to recompute from its own rows; the caller's
// figures are advisory because the hub's database is the authority.
func (r *Remote) UpdateCounters(ctx context.Context, id string, totalBlocks, uniqueBuilders int) error {
	return r.call(ctx, http.MethodPost, "/v1/worlds/"+id+"/recount", nil, nil)
}

func (r *Remote) SetSnapshotURL(ctx context.Context, id, url string) error {
	body := map[string]string{"snapshot_url": url}
	return r.call(ctx, http.MethodPost, "/v1/worlds/"+id+"/snapshot_url", body, nil)
}

func (r *Remote) InsertBlock(ctx context.Context, b PlacedBlock) error {
	req := protocol.PlaceRequest{
		WorldID:   b.WorldID,
		X:         b.X,
		Y:         b.Y,
		BlockType: string(b.Type),
		Identity:  b.PlacedBy,
	}
	var resp protocol.PlaceResponse
	err := r.call(ctx, http.MethodPost, "/v1/blocks", req, &resp)
	if err != nil {
		if re, ok := err.(*RemoteError); ok && re.Code == protocol.ErrOccupied {
			return ErrDuplicate
		}
		return err
	}
	if !resp.Accepted {
		if resp.Reason == protocol.ErrOccupied {
			return ErrDuplicate
		}
		return &RemoteError{Status: http.StatusConflict, Code: resp.Reason}
	}
	return nil
}

func (r *Remote) ListBlocks(ctx context.Context, worldID string) ([]PlacedBlock, error) {
	var rows []protocol.BlockRow
	if err := r.call(ctx, http.MethodGet, "/v1/worlds/"+worldID+"/blocks", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]PlacedBlock, 0, len(rows))
	for _, row := range rows {
		out = append(out, PlacedBlock{
			WorldID:  row.WorldID,
			X:        row.X,
			Y:        row.Y,
			Type:     canvas.BlockType(row.BlockType),
			PlacedBy: row.PlacedBy,
			PlacedAt: time.UnixMilli(row.PlacedAtUnixMs),
		})
	}
	return out, nil
}

func (r *Remote) CountBuilders(ctx context.Context, worldID string) (int, error) {
	world, err := r.GetWorld(ctx, worldID)
	if err != nil {
		return 0, err
	}
	return world.UniqueBuilders, nil
}

func (r *Remote) InsertSnapshot(ctx context.Context, rec SnapshotRecord) error {
	row := protocol.SnapshotRow{
		WorldID:         rec.WorldID,
		Data:            rec.Data,
		BlockCount:      rec.BlockCount,
		UniqueBuilders:  rec.UniqueBuilders,
		CreatedAtUnixMs: rec.CreatedAt.UnixMilli(),
	}
	return r.call(ctx, http.MethodPost, "/v1/snapshots", row, nil)
}

func (r *Remote) ListSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	var rows []protocol.SnapshotRow
	path := fmt.Sprintf("/v1/snapshots?limit=%d", limit)
	if err := r.call(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]SnapshotRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, SnapshotRecord{
			WorldID:        row.WorldID,
			Data:           row.Data,
			BlockCount:     row.BlockCount,
			UniqueBuilders: row.UniqueBuilders,
			CreatedAt:      time.UnixMilli(row.CreatedAtUnixMs),
		})
	}
	return out, nil
}

// RemoteError carries the hub's error code when a call is rejected with a
// structured body.
type RemoteError struct {
	Status int
	Code   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("hub rejected request: status=%d code=%s", e.Status, e.Code)
}

func (r *Remote) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e protocol.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Code != "" {
			if e.Code == protocol.ErrWorldNotFound {
				return ErrNotFound
			}
			return &RemoteError{Status: resp.StatusCode, Code: e.Code}
		}
		var pr protocol.PlaceResponse
		if json.Unmarshal(raw, &pr) == nil && pr.Reason != "" {
			return &RemoteError{Status: resp.StatusCode, Code: pr.Reason}
		}
		return &RemoteError{Status: resp.StatusCode}
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func worldFromRow(row protocol.WorldRow) canvas.World {
	w := canvas.World{
		ID:             row.ID,
		CreatedAt:      time.UnixMilli(row.CreatedAtUnixMs),
		TotalBlocks:    row.TotalBlocks,
		UniqueBuilders: row.UniqueBuilders,
		SnapshotURL:    row.SnapshotURL,
	}
	if row.StartedAtUnixMs > 0 {
		w.StartedAt = time.UnixMilli(row.StartedAtUnixMs)
	}
	if row.ResetAtUnixMs > 0 {
		w.ResetAt = time.UnixMilli(row.ResetAtUnixMs)
	}
	return w
}
