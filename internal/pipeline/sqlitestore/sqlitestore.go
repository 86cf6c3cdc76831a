// Package sqlitestore provides a single-file SQLite implementation of
// pipeline.Store, for deployments without a PostgreSQL instance.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

//go:embed schema.sql
var schema string

// Store persists the processing ledger in a local SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database file and applies the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under the pipeline's concurrent reads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsProcessed reports whether the message already has a processed mark.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_messages WHERE message_id = ?`, messageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records the durable dedup mark for a message.
func (s *Store) MarkProcessed(ctx context.Context, rec *pipeline.ProcessedMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO processed_messages (message_id, subject, sender, tier, reason, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.MessageID, rec.Subject, rec.Sender, rec.Tier, rec.Reason, rec.ProcessedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// IsPublished reports whether an event from this message is recorded.
func (s *Store) IsPublished(ctx context.Context, sourceMessageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE source_message_id = ?`, sourceMessageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query published: %w", err)
	}
	return true, nil
}

const eventColumns = `id, source_message_id, name, event_date, event_time, end_time,
	location, food_type, confidence, reasoning, raw_response, calendar_ref, calendar_link, created_at`

// MarkPublished records the full event payload, idempotent per source message.
func (s *Store) MarkPublished(ctx context.Context, ev *pipeline.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SourceMessageID, ev.Name, ev.Date, ev.Time, ev.EndTime,
		ev.Location, ev.FoodType, ev.Confidence, ev.Reasoning, ev.RawResponse,
		ev.CalendarRef, ev.CalendarLink, ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// SetPublishRef records the external publisher's reference on an event.
func (s *Store) SetPublishRef(ctx context.Context, eventID, ref, link string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET calendar_ref = ?, calendar_link = ? WHERE id = ?`,
		ref, link, eventID,
	)
	if err != nil {
		return fmt.Errorf("set publish ref: %w", err)
	}
	return nil
}

// RecordCall appends a usage-tracking row.
func (s *Store) RecordCall(ctx context.Context, call *pipeline.ProviderCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_calls (provider, model, message_id, purpose, success, duration_s, called_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		call.Provider, call.Model, call.MessageID, call.Purpose, call.Success, call.Duration, call.CalledAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// CallsOn counts successful calls for a provider on the given local day.
func (s *Store) CallsOn(ctx context.Context, provider string, day time.Time) (int, error) {
	local := day.Local()
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
	end := start.AddDate(0, 0, 1)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provider_calls
		 WHERE provider = ? AND success = 1 AND called_at >= ? AND called_at < ?`,
		provider, start.Unix(), end.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return n, nil
}

// SaveScan upserts a scan summary.
func (s *Store) SaveScan(ctx context.Context, sum *pipeline.ScanSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO scans (
			id, started_at, finished_at, scanned, skipped, rejected_heuristic,
			rejected_semantic, deferred, no_event, accepted, published, failed, budget_exhausted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.StartedAt.Unix(), sum.FinishedAt.Unix(), sum.Scanned, sum.Skipped,
		sum.RejectedHeuristic, sum.RejectedSemantic, sum.Deferred, sum.NoEvent,
		sum.Accepted, sum.Published, sum.Failed, sum.BudgetExhausted,
	)
	if err != nil {
		return fmt.Errorf("save scan: %w", err)
	}
	return nil
}

// GetScan retrieves a scan summary by ID.
func (s *Store) GetScan(ctx context.Context, id string) (*pipeline.ScanSummary, bool, error) {
	var (
		sum                   pipeline.ScanSummary
		startedAt, finishedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, scanned, skipped, rejected_heuristic,
			rejected_semantic, deferred, no_event, accepted, published, failed, budget_exhausted
		 FROM scans WHERE id = ?`,
		id,
	).Scan(
		&sum.ID, &startedAt, &finishedAt, &sum.Scanned, &sum.Skipped, &sum.RejectedHeuristic,
		&sum.RejectedSemantic, &sum.Deferred, &sum.NoEvent, &sum.Accepted, &sum.Published,
		&sum.Failed, &sum.BudgetExhausted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query scan: %w", err)
	}
	sum.StartedAt = time.Unix(startedAt, 0)
	sum.FinishedAt = time.Unix(finishedAt, 0)
	return &sum, true, nil
}

// RecentEvents lists the most recently extracted events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*pipeline.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// UpcomingEvents lists events dated within [from, from+days), soonest first.
func (s *Store) UpcomingEvents(ctx context.Context, from time.Time, days int) ([]*pipeline.Event, error) {
	start := from.Local().Format("2006-01-02")
	end := from.AddDate(0, 0, days).Local().Format("2006-01-02")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE event_date >= ? AND event_date < ?
		 ORDER BY event_date, event_time`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query upcoming: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*pipeline.Event, error) {
	var evs []*pipeline.Event
	for rows.Next() {
		var (
			ev        pipeline.Event
			createdAt int64
		)
		if err := rows.Scan(
			&ev.ID, &ev.SourceMessageID, &ev.Name, &ev.Date, &ev.Time, &ev.EndTime,
			&ev.Location, &ev.FoodType, &ev.Confidence, &ev.Reasoning, &ev.RawResponse,
			&ev.CalendarRef, &ev.CalendarLink, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0)
		evs = append(evs, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return evs, nil
}
