// Package journal keeps an append-only audit trail of order lifecycle
// events in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Event types recorded in the journal.
const (
	EventOrderTracked       = "order_tracked"
	EventStatusChanged      = "status_changed"
	EventStopModified       = "stop_modified"
	EventOrphanCancelled    = "orphan_cancelled"
	EventCancelFailed       = "cancel_failed"
	EventBreakEvenActivated = "break_even_activated"
	EventBlacklisted        = "blacklisted"
	EventGroupCreated       = "group_created"
	EventGroupCleaned       = "group_cleaned"
	EventOrderSwept         = "order_swept"
)

// Event is one audit record.
type Event struct {
	ID          int64
	At          time.Time
	EventType   string
	OrderID     int64
	GroupID     string
	AccountName string
	Symbol      string
	Detail      string
}

// Journal is an append-only SQLite event log.
type Journal struct {
	db *sql.DB
}

// Open opens (and migrates) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS order_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			order_id INTEGER NOT NULL DEFAULT 0,
			group_id TEXT NOT NULL DEFAULT '',
			account_name TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order_id ON order_events(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_at ON order_events(at)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_type ON order_events(event_type)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// Record appends one event. A zero At is filled with the current time.
func (j *Journal) Record(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	query := `INSERT INTO order_events (at, event_type, order_id, group_id, account_name, symbol, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query,
		e.At,
		e.EventType,
		e.OrderID,
		e.GroupID,
		e.AccountName,
		e.Symbol,
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// EventsForOrder returns all events for a broker order id, oldest first.
func (j *Journal) EventsForOrder(ctx context.Context, orderID int64) ([]Event, error) {
	query := `SELECT id, at, event_type, order_id, group_id, account_name, symbol, detail
		FROM order_events WHERE order_id = ? ORDER BY at ASC, id ASC`

	rows, err := j.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Recent returns the newest events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, at, event_type, order_id, group_id, account_name, symbol, detail
		FROM order_events ORDER BY at DESC, id DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Prune deletes events older than the cutoff, returning the count removed.
func (j *Journal) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, `DELETE FROM order_events WHERE at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID,
			&e.At,
			&e.EventType,
			&e.OrderID,
			&e.GroupID,
			&e.AccountName,
			&e.Symbol,
			&e.Detail,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
