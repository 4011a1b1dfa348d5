package protocol

// SUBSCRIBE (client -> hub). Opens one channel on this connection: either
// the block/world change feed or the presence channel for a world.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Channel         string `json:"channel"`
	WorldID         string `json:"world_id"`
	// Identity is required on the presence channel; it is the presence key.
	Identity string `json:"identity,omitempty"`
	OnlineAt string `json:"online_at,omitempty"`
}

// SUBSCRIBED (hub -> client).
type SubscribedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Channel         string `json:"channel"`
	WorldID         string `json:"world_id"`
}

// PlaceRequest is the durable write submitted to the hub's HTTP write
// boundary (POST /v1/blocks). The hub enforces the rate limit and the
// (world_id,x,y) unique constraint there; the realtime channel never
// carries writes.
type PlaceRequest struct {
	WorldID   string `json:"world_id"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	BlockType string `json:"block_type"`
	Identity  string `json:"identity"`
}

// PlaceResponse reports the outcome of a PlaceRequest. A rejection is an
// expected outcome, not an HTTP 500: Reason carries one of the E_ codes.
type PlaceResponse struct {
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason,omitempty"`
	Block    *BlockRow `json:"block,omitempty"`
}

// BlockRow is one persisted block as carried over REST responses.
type BlockRow struct {
	WorldID        string `json:"world_id"`
	X              int    `json:"x"`
	Y              int    `json:"y"`
	BlockType      string `json:"block_type"`
	PlacedBy       string `json:"placed_by"`
	PlacedAtUnixMs int64  `json:"placed_at_unix_ms"`
}

// WorldRow is one world record as carried over REST responses. Zero
// started_at/reset_at mean the session timer has not started yet.
type WorldRow struct {
	ID              string `json:"id"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms,omitempty"`
	ResetAtUnixMs   int64  `json:"reset_at_unix_ms,omitempty"`
	TotalBlocks     int    `json:"total_blocks"`
	UniqueBuilders  int    `json:"unique_builders"`
	SnapshotURL     string `json:"snapshot_url,omitempty"`
}

// StartTimerRequest is the compare-and-set body for the lazy session start.
type StartTimerRequest struct {
	StartedAtUnixMs int64 `json:"started_at_unix_ms"`
	ResetAtUnixMs   int64 `json:"reset_at_unix_ms"`
}

// SnapshotRow is one archived snapshot record over REST.
type SnapshotRow struct {
	WorldID         string `json:"world_id"`
	Data            []byte `json:"snapshot_data"`
	BlockCount      int    `json:"block_count"`
	UniqueBuilders  int    `json:"unique_builders"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// ErrorResponse is the REST error body; Code is one of the E_ codes.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// BLOCK_INSERT (hub -> feed subscribers): one committed block.
type BlockInsertMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	BlockType       string `json:"block_type"`
	PlacedBy        string `json:"placed_by"`
	PlacedAtUnixMs  int64  `json:"placed_at_unix_ms"`
}

// WORLD_UPDATE (hub -> feed subscribers): authoritative world counters and
// timing pushed whenever the world row changes.
type WorldUpdateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms,omitempty"`
	ResetAtUnixMs   int64  `json:"reset_at_unix_ms,omitempty"`
	TotalBlocks     int    `json:"total_blocks"`
	UniqueBuilders  int    `json:"unique_builders"`
	SnapshotURL     string `json:"snapshot_url,omitempty"`
}

// PRESENCE_SYNC (hub -> presence subscribers): always the full online set,
// never a delta, so clients cannot drift on missed join/leave events.
type PresenceSyncMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	WorldID         string   `json:"world_id"`
	Online          []string `json:"online"`
}

// ERROR (hub -> client).
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
