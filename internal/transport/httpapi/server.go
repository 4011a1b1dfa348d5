// Package httpapi is the hub's write boundary. Every durable mutation
// (world creation, timer start, block placement, snapshot archival) enters
// here; the websocket side only redistributes what this package commits.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"blockparty/internal/canvas"
	"blockparty/internal/persistence/repo"
	"blockparty/internal/protocol"
)

// Broadcaster receives committed events for realtime fan-out.
type Broadcaster interface {
	BroadcastBlockInsert(protocol.BlockInsertMsg)
	BroadcastWorldUpdate(protocol.WorldUpdateMsg)
}

type Server struct {
	store    repo.Store
	hub      Broadcaster
	limiter  *canvas.Limiter
	gridSize int
	logger   *log.Logger
	nowFn    func() time.Time
}

func NewServer(store repo.Store, hub Broadcaster, limiter *canvas.Limiter, gridSize int, logger *log.Logger) *Server {
	return &Server{
		store:    store,
		hub:      hub,
		limiter:  limiter,
		gridSize: gridSize,
		logger:   logger,
		nowFn:    time.Now,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/worlds/latest", s.handleLatestWorld)
	mux.HandleFunc("POST /v1/worlds", s.handleCreateWorld)
	mux.HandleFunc("GET /v1/worlds/{id}", s.handleGetWorld)
	mux.HandleFunc("POST /v1/worlds/{id}/timer", s.handleStartTimer)
	mux.HandleFunc("GET /v1/worlds/{id}/blocks", s.handleListBlocks)
	mux.HandleFunc("POST /v1/worlds/{id}/snapshot_url", s.handleSetSnapshotURL)
	mux.HandleFunc("POST /v1/worlds/{id}/recount", s.handleRecount)
	mux.HandleFunc("POST /v1/blocks", s.handlePlaceBlock)
	mux.HandleFunc("POST /v1/snapshots", s.handleInsertSnapshot)
	mux.HandleFunc("GET /v1/snapshots", s.handleListSnapshots)
	return mux
}

func (s *Server) handleLatestWorld(w http.ResponseWriter, r *http.Request) {
	world, err := s.store.LatestWorld(r.Context())
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, protocol.ErrWorldNotFound, "no world yet")
		return
	}
	if err != nil {
		s.internal(w, "latest world", err)
		return
	}
	writeJSON(w, http.StatusOK, worldRow(world))
}

// handleCreateWorld inserts a fresh world unconditionally. Racing creators
// each insert one; callers re-query latest and adopt the newest, so the
// extra row is harmless and never referenced again.
func (s *Server) handleCreateWorld(w http.ResponseWriter, r *http.Request) {
	world, err := s.store.CreateWorld(r.Context(), s.nowFn())
	if err != nil {
		s.internal(w, "create world", err)
		return
	}
	s.logger.Printf("world created id=%s", world.ID)
	writeJSON(w, http.StatusCreated, worldRow(world))
}

func (s *Server) handleGetWorld(w http.ResponseWriter, r *http.Request) {
	world, err := s.store.GetWorld(r.Context(), r.PathValue("id"))
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, protocol.ErrWorldNotFound, "unknown world")
		return
	}
	if err != nil {
		s.internal(w, "get world", err)
		return
	}
	writeJSON(w, http.StatusOK, worldRow(world))
}

// handleStartTimer is the compare-and-set behind the lazy session start.
// Whoever loses the race gets the winner's committed timing back, so every
// response carries the single authoritative started_at/reset_at pair.
func (s *Server) handleStartTimer(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "malformed body")
		return
	}
	if req.StartedAtUnixMs <= 0 || req.ResetAtUnixMs <= req.StartedAtUnixMs {
		writeError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "reset_at must follow started_at")
		return
	}
	world, err := s.store.StartTimer(r.Context(), r.PathValue("id"),
		time.UnixMilli(req.StartedAtUnixMs), time.UnixMilli(req.ResetAtUnixMs))
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, protocol.ErrWorldNotFound, "unknown world")
		return
	}
	if err != nil {
		s.internal(w, "start timer", err)
		return
	}
	s.hub.BroadcastWorldUpdate(worldUpdateMsg(world))
	writeJSON(w, http.StatusOK, worldRow(world))
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.store.ListBlocks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internal(w, "list blocks", err)
		return
	}
	rows := make([]protocol.BlockRow, 0, len(blocks))
	for _, b := range blocks {
		rows = append(rows, blockRow(b))
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSetSnapshotURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SnapshotURL string `json:"snapshot_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SnapshotURL == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "snapshot_url required")
		return
	}
	id := r.PathValue("id")
	if err := s.store.SetSnapshotURL(r.Context(), id, req.SnapshotURL); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, protocol.ErrWorldNotFound, "unknown world")
			return
		}
		s.internal(w, "set snapshot url", err)
		return
	}
	world, err := s.store.GetWorld(r.Context(), id)
	if err == nil {
		s.hub.BroadcastWorldUpdate(worldUpdateMsg(world))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecount recomputes the world's counters from the durable block
// rows and pushes the corrected totals to the feed. Clients call it after
// out-of-band writes such as reconciliation re-pushes.
func (s *Server) handleRecount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	world, err := s.store.GetWorld(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, protocol.ErrWorldNotFound, "unknown world")
		return
	}
	if err != nil {
		s.internal(w, "get world", err)
		return
	}
	blocks, err := s.store.ListBlocks(r.Context(), id)
	if err != nil {
		s.internal(w, "list blocks", err)
		return
	}
	builders, err := s.store.CountBuilders(r.Context(), id)
	if err != nil {
		s.internal(w, "count builders", err)
		return
	}
	if err := s.store.UpdateCounters(r.Context(), id, len(blocks), builders); err != nil {
		s.internal(w, "update counters", err)
		return
	}
	world.TotalBlocks = len(blocks)
	world.UniqueBuilders = builders
	s.hub.BroadcastWorldUpdate(worldUpdateMsg(world))
	writeJSON(w, http.StatusOK, worldRow(world))
}

// handlePlaceBlock is the single entry point for placements. Validation
// order matches the client's optimistic path so a well-behaved client is
// only ever rejected by a race it could not see: bad input first, then the
// rate limit, then the cell's unique constraint.
func (s *Server) handlePlaceBlock(w http.ResponseWriter, r *http.Request) {
	var req protocol.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "malformed body")
		return
	}
	if req.WorldID == "" || req.Identity == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "world_id and identity required")
		return
	}
	bt, err := canvas.ParseBlockType(req.BlockType)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadBlock, err.Error())
		return
	}
	if req.X < 0 || req.X >= s.gridSize || req.Y < 0 || req.Y >= s.gridSize {
		writeError(w, http.StatusBadRequest, protocol.ErrOutOfBounds, "cell outside grid")
		return
	}

	now := s.nowFn()
	world, err := s.store.GetWorld(r.Context(), req.WorldID)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, protocol.ErrWorldNotFound, "unknown world")
		return
	}
	if err != nil {
		s.internal(w, "get world", err)
		return
	}
	if world.Expired(now) {
		writeError(w, http.StatusConflict, protocol.ErrWorldExpired, "session over")
		return
	}
	if !s.limiter.Allow(req.Identity, now) {
		writeError(w, http.StatusTooManyRequests, protocol.ErrRateLimit, "placement rate exceeded")
		return
	}

	placed := repo.PlacedBlock{
		WorldID:  req.WorldID,
		X:        req.X,
		Y:        req.Y,
		Type:     bt,
		PlacedBy: req.Identity,
		PlacedAt: now,
	}
	if err := s.store.InsertBlock(r.Context(), placed); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			writeJSON(w, http.StatusConflict, protocol.PlaceResponse{
				Accepted: false,
				Reason:   protocol.ErrOccupied,
			})
			return
		}
		s.internal(w, "insert block", err)
		return
	}

	// Counters are recomputed from the durable rows, not incremented, so a
	// lost update between concurrent placements self-corrects.
	blocks, err := s.store.ListBlocks(r.Context(), req.WorldID)
	if err != nil {
		s.internal(w, "list blocks", err)
		return
	}
	builders, err := s.store.CountBuilders(r.Context(), req.WorldID)
	if err != nil {
		s.internal(w, "count builders", err)
		return
	}
	if err := s.store.UpdateCounters(r.Context(), req.WorldID, len(blocks), builders); err != nil {
		s.internal(w, "update counters", err)
		return
	}
	world.TotalBlocks = len(blocks)
	world.UniqueBuilders = builders

	row := blockRow(placed)
	s.hub.BroadcastBlockInsert(protocol.BlockInsertMsg{
		WorldID:        placed.WorldID,
		X:              placed.X,
		Y:              placed.Y,
		BlockType:      string(placed.Type),
		PlacedBy:       placed.PlacedBy,
		PlacedAtUnixMs: placed.PlacedAt.UnixMilli(),
	})
	s.hub.BroadcastWorldUpdate(worldUpdateMsg(world))

	writeJSON(w, http.StatusCreated, protocol.PlaceResponse{Accepted: true, Block: &row})
}

func (s *Server) handleInsertSnapshot(w http.ResponseWriter, r *http.Request) {
	var req protocol.SnapshotRow
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "malformed body")
		return
	}
	if req.WorldID == "" || len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "world_id and snapshot_data required")
		return
	}
	created := time.UnixMilli(req.CreatedAtUnixMs)
	if req.CreatedAtUnixMs == 0 {
		created = s.nowFn()
	}
	rec := repo.SnapshotRecord{
		WorldID:        req.WorldID,
		Data:           req.Data,
		BlockCount:     req.BlockCount,
		UniqueBuilders: req.UniqueBuilders,
		CreatedAt:      created,
	}
	if err := s.store.InsertSnapshot(r.Context(), rec); err != nil {
		s.internal(w, "insert snapshot", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrProtoBadRequest, "bad limit")
			return
		}
		limit = n
	}
	recs, err := s.store.ListSnapshots(r.Context(), limit)
	if err != nil {
		s.internal(w, "list snapshots", err)
		return
	}
	rows := make([]protocol.SnapshotRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, protocol.SnapshotRow{
			WorldID:         rec.WorldID,
			Data:            rec.Data,
			BlockCount:      rec.BlockCount,
			UniqueBuilders:  rec.UniqueBuilders,
			CreatedAtUnixMs: rec.CreatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.logger.Printf("%s: %v", op, err)
	writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
}

func worldRow(world canvas.World) protocol.WorldRow {
	row := protocol.WorldRow{
		ID:              world.ID,
		CreatedAtUnixMs: world.CreatedAt.UnixMilli(),
		TotalBlocks:     world.TotalBlocks,
		UniqueBuilders:  world.UniqueBuilders,
		SnapshotURL:     world.SnapshotURL,
	}
	if world.Timed() {
		row.StartedAtUnixMs = world.StartedAt.UnixMilli()
		row.ResetAtUnixMs = world.ResetAt.UnixMilli()
	}
	return row
}

func worldUpdateMsg(world canvas.World) protocol.WorldUpdateMsg {
	msg := protocol.WorldUpdateMsg{
		WorldID:        world.ID,
		TotalBlocks:    world.TotalBlocks,
		UniqueBuilders: world.UniqueBuilders,
		SnapshotURL:    world.SnapshotURL,
	}
	if world.Timed() {
		msg.StartedAtUnixMs = world.StartedAt.UnixMilli()
		msg.ResetAtUnixMs = world.ResetAt.UnixMilli()
	}
	return msg
}

func blockRow(b repo.PlacedBlock) protocol.BlockRow {
	return protocol.BlockRow{
		WorldID:        b.WorldID,
		X:              b.X,
		Y:              b.Y,
		BlockType:      string(b.Type),
		PlacedBy:       b.PlacedBy,
		PlacedAtUnixMs: b.PlacedAt.UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Code: code, Message: message})
}
