package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"blockparty/internal/canvas"
)

// SQLite is the durable backend used by the hub server. One connection,
// WAL journal; writes are small and serialized by the hub.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			reset_at INTEGER,
			total_blocks INTEGER NOT NULL DEFAULT 0,
			unique_builders INTEGER NOT NULL DEFAULT 0,
			snapshot_url TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worlds_created_at ON worlds(created_at);`,
		`CREATE TABLE IF NOT EXISTS blocks (
			world_id TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			block_type TEXT NOT NULL,
			placed_by TEXT NOT NULL,
			placed_at INTEGER NOT NULL,
			PRIMARY KEY (world_id, x, y)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_world_placed_by ON blocks(world_id, placed_by);`,
		`CREATE TABLE IF NOT EXISTS world_snapshots (
			world_id TEXT NOT NULL,
			snapshot_data BLOB NOT NULL,
			block_count INTEGER NOT NULL,
			unique_builders INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_world_snapshots_created_at ON world_snapshots(created_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) LatestWorld(ctx context.Context) (canvas.World, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, started_at, reset_at, total_blocks, unique_builders, snapshot_url
		FROM worlds ORDER BY created_at DESC, id DESC LIMIT 1`)
	return scanWorld(row)
}

func (s *SQLite) GetWorld(ctx context.Context, id string) (canvas.World, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, started_at, reset_at, total_blocks, unique_builders, snapshot_url
		FROM worlds WHERE id = ?`, id)
	return scanWorld(row)
}

func (s *SQLite) CreateWorld(ctx context.Context, now time.Time) (canvas.World, error) {
	w := canvas.World{
		ID:        uuid.NewString(),
		CreatedAt: now.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worlds (id, created_at, total_blocks, unique_builders)
		VALUES (?, ?, 0, 0)`, w.ID, w.CreatedAt.UnixMilli())
	if err != nil {
		return canvas.World{}, err
	}
	return w, nil
}

func (s *SQLite) StartTimer(ctx context.Context, id string, startedAt, resetAt time.Time) (canvas.World, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worlds SET started_at = ?, reset_at = ?
		WHERE id = ? AND started_at IS NULL`,
		startedAt.UTC().UnixMilli(), resetAt.UTC().UnixMilli(), id)
	if err != nil {
		return canvas.World{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Lost the race (or no such world): read back and adopt whatever
		// committed first.
		w, err := s.GetWorld(ctx, id)
		if err != nil {
			return canvas.World{}, err
		}
		return w, nil
	}
	return s.GetWorld(ctx, id)
}

func (s *SQLite) UpdateCounters(ctx context.Context, id string, totalBlocks, uniqueBuilders int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worlds SET total_blocks = ?, unique_builders = ? WHERE id = ?`,
		totalBlocks, uniqueBuilders, id)
	return err
}

func (s *SQLite) SetSnapshotURL(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE worlds SET snapshot_url = ? WHERE id = ?`, url, id)
	return err
}

func (s *SQLite) InsertBlock(ctx context.Context, b PlacedBlock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (world_id, x, y, block_type, placed_by, placed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.WorldID, b.X, b.Y, string(b.Type), b.PlacedBy, b.PlacedAt.UTC().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *SQLite) ListBlocks(ctx context.Context, worldID string) ([]PlacedBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT world_id, x, y, block_type, placed_by, placed_at
		FROM blocks WHERE world_id = ? ORDER BY placed_at, x, y`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlacedBlock
	for rows.Next() {
		var b PlacedBlock
		var bt string
		var placedAt int64
		if err := rows.Scan(&b.WorldID, &b.X, &b.Y, &bt, &b.PlacedBy, &placedAt); err != nil {
			return nil, err
		}
		b.Type = canvas.BlockType(bt)
		b.PlacedAt = time.UnixMilli(placedAt).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) CountBuilders(ctx context.Context, worldID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT placed_by) FROM blocks WHERE world_id = ?`, worldID).Scan(&n)
	return n, err
}

func (s *SQLite) InsertSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO world_snapshots (world_id, snapshot_data, block_count, unique_builders, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.WorldID, rec.Data, rec.BlockCount, rec.UniqueBuilders, rec.CreatedAt.UTC().UnixMilli())
	return err
}

func (s *SQLite) ListSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT world_id, snapshot_data, block_count, unique_builders, created_at
		FROM world_snapshots ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var createdAt int64
		if err := rows.Scan(&rec.WorldID, &rec.Data, &rec.BlockCount, &rec.UniqueBuilders, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorld(row rowScanner) (canvas.World, error) {
	var w canvas.World
	var createdAt int64
	var startedAt, resetAt sql.NullInt64
	var snapshotURL sql.NullString
	err := row.Scan(&w.ID, &createdAt, &startedAt, &resetAt, &w.TotalBlocks, &w.UniqueBuilders, &snapshotURL)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.World{}, ErrNotFound
	}
	if err != nil {
		return canvas.World{}, err
	}
	w.CreatedAt = time.UnixMilli(createdAt).UTC()
	if startedAt.Valid {
		w.StartedAt = time.UnixMilli(startedAt.Int64).UTC()
	}
	if resetAt.Valid {
		w.ResetAt = time.UnixMilli(resetAt.Int64).UTC()
	}
	if snapshotURL.Valid {
		w.SnapshotURL = snapshotURL.String
	}
	return w, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT as a plain error string.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
