package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS battery_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	capacity_pct INTEGER,
	charging INTEGER NOT NULL,
	status TEXT NOT NULL,
	power_uw INTEGER NOT NULL,
	mode TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_battery_ts ON battery_samples(timestamp);

CREATE TABLE IF NOT EXISTS saving_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	from_mode TEXT NOT NULL,
	to_mode TEXT NOT NULL,
	reason TEXT NOT NULL,
	level_pct INTEGER,
	high_cpu INTEGER NOT NULL DEFAULT 0,
	daemons INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	dry_run INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_saving_ts ON saving_events(timestamp);
`

// BatteryRow is one stored battery reading.
type BatteryRow struct {
	Timestamp   int64  `json:"timestamp"`
	CapacityPct int    `json:"capacity_pct"`
	HasCapacity bool   `json:"has_capacity"`
	Charging    bool   `json:"charging"`
	Status      string `json:"status"`
	PowerUW     int64  `json:"power_uw"`
	Mode        string `json:"mode"`
}

// SavingEvent is one stored mode transition. HighCPU and Daemons count the
// processes stopped (on entry) or resumed (on exit).
type SavingEvent struct {
	Timestamp  int64  `json:"timestamp"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason"`
	LevelPct   int    `json:"level_pct"`
	LevelKnown bool   `json:"level_known"`
	HighCPU    int    `json:"high_cpu"`
	Daemons    int    `json:"daemons"`
	Failed     int    `json:"failed"`
	DryRun     bool   `json:"dry_run"`
}

// DB wraps a SQLite database of battery history.
type DB struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path, creating the
// parent directory if needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Remove deletes the database at path along with its WAL files.
func Remove(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// InsertBatteryRow inserts a battery reading.
func (d *DB) InsertBatteryRow(r BatteryRow) error {
	_, err := d.db.Exec(
		"INSERT INTO battery_samples (timestamp, capacity_pct, charging, status, power_uw, mode) VALUES (?, ?, ?, ?, ?, ?)",
		r.Timestamp, nullableInt(r.CapacityPct, r.HasCapacity), boolInt(r.Charging), r.Status, r.PowerUW, r.Mode,
	)
	return err
}

// InsertSavingEvent inserts a mode transition.
func (d *DB) InsertSavingEvent(e SavingEvent) error {
	_, err := d.db.Exec(
		"INSERT INTO saving_events (timestamp, from_mode, to_mode, reason, level_pct, high_cpu, daemons, failed, dry_run) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.Timestamp, e.From, e.To, e.Reason, nullableInt(e.LevelPct, e.LevelKnown), e.HighCPU, e.Daemons, e.Failed, boolInt(e.DryRun),
	)
	return err
}

// LatestBatteryRow returns the most recent battery reading, or nil if there
// is none.
func (d *DB) LatestBatteryRow() (*BatteryRow, error) {
	row := d.db.QueryRow("SELECT timestamp, capacity_pct, charging, status, power_uw, mode FROM battery_samples ORDER BY timestamp DESC, id DESC LIMIT 1")
	r, err := scanBatteryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// BatteryRowsInRange returns battery readings within the given time range.
func (d *DB) BatteryRowsInRange(from, to int64) ([]BatteryRow, error) {
	rows, err := d.db.Query(
		"SELECT timestamp, capacity_pct, charging, status, power_uw, mode FROM battery_samples WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id",
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatteryRow
	for rows.Next() {
		r, err := scanBatteryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SavingEventsInRange returns mode transitions within the given time range.
func (d *DB) SavingEventsInRange(from, to int64) ([]SavingEvent, error) {
	rows, err := d.db.Query(
		"SELECT timestamp, from_mode, to_mode, reason, level_pct, high_cpu, daemons, failed, dry_run FROM saving_events WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id",
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []SavingEvent
	for rows.Next() {
		var (
			e      SavingEvent
			level  sql.NullInt64
			dryRun int
		)
		if err := rows.Scan(&e.Timestamp, &e.From, &e.To, &e.Reason, &level, &e.HighCPU, &e.Daemons, &e.Failed, &dryRun); err != nil {
			return nil, err
		}
		e.LevelPct, e.LevelKnown = int(level.Int64), level.Valid
		e.DryRun = dryRun != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatteryRow(s scanner) (BatteryRow, error) {
	var (
		r        BatteryRow
		capacity sql.NullInt64
		charging int
	)
	if err := s.Scan(&r.Timestamp, &capacity, &charging, &r.Status, &r.PowerUW, &r.Mode); err != nil {
		return BatteryRow{}, err
	}
	r.CapacityPct, r.HasCapacity = int(capacity.Int64), capacity.Valid
	r.Charging = charging != 0
	return r, nil
}

func nullableInt(v int, valid bool) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: valid}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
