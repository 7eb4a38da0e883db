package mesh

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrPlanNotFound is returned when the archive has no plan with the given ID
var ErrPlanNotFound = errors.New("plan not found")

// DefaultArchiveListLimit caps List when no limit is given
const DefaultArchiveListLimit = 50

const archiveSchema = `
CREATE TABLE IF NOT EXISTS plans (
	id         TEXT PRIMARY KEY,
	request_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	aps        INTEGER NOT NULL,
	samples    INTEGER NOT NULL,
	summary    TEXT NOT NULL,
	geojson    BLOB
);
CREATE INDEX IF NOT EXISTS plans_created_at ON plans (created_at DESC);
`

// PlanArchive keeps every finished plan in SQLite, beyond the in-memory
// PlanStore capacity.
type PlanArchive struct {
	db *sql.DB
}

// OpenArchive opens (creating if needed) the archive database at path and
// applies the schema.
func OpenArchive(ctx context.Context, path string) (*PlanArchive, error) {
	if path == "" {
		return nil, fmt.Errorf("archive path is empty: %w", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	return &PlanArchive{db: db}, nil
}

// Save stores a plan summary and its GeoJSON export, replacing any earlier
// row with the same ID.
func (a *PlanArchive) Save(ctx context.Context, s *PlanSummary, geoJSON []byte) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal plan summary: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO plans (id, request_id, created_at, aps, samples, summary, geojson)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.RequestID, s.Timestamp, len(s.APs), s.Samples, string(data), geoJSON)
	if err != nil {
		return fmt.Errorf("archive plan %s: %w", s.ID, err)
	}
	return nil
}

// Get returns the archived summary of plan id
func (a *PlanArchive) Get(ctx context.Context, id string) (*PlanSummary, error) {
	var data string
	err := a.db.QueryRowContext(ctx, `SELECT summary FROM plans WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrPlanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", id, err)
	}
	return decodeSummary(data)
}

// GeoJSON returns the archived GeoJSON export of plan id
func (a *PlanArchive) GeoJSON(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := a.db.QueryRowContext(ctx, `SELECT geojson FROM plans WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(data) == 0) {
		return nil, fmt.Errorf("plan %s geojson: %w", id, ErrPlanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan %s geojson: %w", id, err)
	}
	return data, nil
}

// List returns up to limit summaries, newest first
func (a *PlanArchive) List(ctx context.Context, limit int) ([]*PlanSummary, error) {
	if limit <= 0 {
		limit = DefaultArchiveListLimit
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT summary FROM plans ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*PlanSummary, 0, limit)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan archived plan: %w", err)
		}
		s, err := decodeSummary(data)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of archived plans
func (a *PlanArchive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archived plans: %w", err)
	}
	return n, nil
}

// Close closes the database
func (a *PlanArchive) Close() error {
	return a.db.Close()
}

func decodeSummary(data string) (*PlanSummary, error) {
	var s PlanSummary
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode archived plan: %w", err)
	}
	return &s, nil
}
