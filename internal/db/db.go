// Package db is the append-only crossing event log backed by SQLite.
// Aggregate counts are always projected from the log, never stored.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/rcret/carCount/internal/lanes"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	*sql.DB
}

// AggregateCounts is the per-lane projection of the event log.
type AggregateCounts struct {
	Lane1 int `json:"lane1"`
	Lane2 int `json:"lane2"`
	Total int `json:"total"`
}

// NewDB opens (or creates) the SQLite database at path and applies any
// pending schema migrations. Use ":memory:" for tests.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, nil
}

// migrateLogger routes migrate output through the standard logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("migrate: "+format, v...)
}
func (migrateLogger) Verbose() bool { return false }

func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// RecordCrossing appends one crossing event. Events are immutable once
// written; there is no update or delete path in normal operation.
func (db *DB) RecordCrossing(ev lanes.CrossingEvent) error {
	_, err := db.Exec(
		"INSERT INTO count_events (ts, lane, track_id, class_name) VALUES (?, ?, ?, ?)",
		ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Lane, ev.TrackID, ev.ClassName,
	)
	if err != nil {
		return fmt.Errorf("failed to record crossing: %w", err)
	}
	return nil
}

// LaneTotals projects the aggregate per-lane counts from the full event log.
func (db *DB) LaneTotals() (AggregateCounts, error) {
	rows, err := db.Query("SELECT lane, COUNT(*) FROM count_events GROUP BY lane")
	if err != nil {
		return AggregateCounts{}, err
	}
	defer rows.Close()

	var counts AggregateCounts
	for rows.Next() {
		var lane, n int
		if err := rows.Scan(&lane, &n); err != nil {
			return AggregateCounts{}, err
		}
		switch lane {
		case 1:
			counts.Lane1 = n
		case 2:
			counts.Lane2 = n
		}
	}
	if err := rows.Err(); err != nil {
		return AggregateCounts{}, err
	}
	counts.Total = counts.Lane1 + counts.Lane2
	return counts, nil
}

// RecentEvents returns up to limit persisted events, most recent first.
func (db *DB) RecentEvents(limit int) ([]lanes.CrossingEvent, error) {
	rows, err := db.Query(
		"SELECT ts, lane, track_id, class_name FROM count_events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsSince returns all events recorded at or after the given instant,
// oldest first.
func (db *DB) EventsSince(since time.Time) ([]lanes.CrossingEvent, error) {
	rows, err := db.Query(
		"SELECT ts, lane, track_id, class_name FROM count_events WHERE ts >= ? ORDER BY id ASC",
		since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]lanes.CrossingEvent, error) {
	events := []lanes.CrossingEvent{}
	for rows.Next() {
		var ts string
		var ev lanes.CrossingEvent
		if err := rows.Scan(&ts, &ev.Lane, &ev.TrackID, &ev.ClassName); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("malformed timestamp %q in event log: %w", ts, err)
		}
		ev.Timestamp = parsed
		events = append(events, ev)
	}
	return events, rows.Err()
}
