// Package pgstore provides a PostgreSQL implementation of pipeline.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/forager/internal/pipeline"
	"github.com/linnemanlabs/forager/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/forager/internal/pipeline/pgstore")

//go:embed schema.sql
var schema string

// Store persists the processing ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// IsProcessed reports whether the message already has a processed mark.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.IsProcessed", "SELECT")
	defer span.End()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_messages WHERE message_id = $1)`,
		messageID,
	).Scan(&exists)
	if err != nil {
		return false, s.fail(span, fmt.Errorf("query processed: %w", err))
	}
	return exists, nil
}

// MarkProcessed records the durable dedup mark for a message. Replays
// of the same message ID update the row rather than erroring.
func (s *Store) MarkProcessed(ctx context.Context, rec *pipeline.ProcessedMessage) error {
	ctx, span := s.startSpan(ctx, "pgstore.MarkProcessed", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_messages (message_id, subject, sender, tier, reason, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id) DO UPDATE SET
			tier         = EXCLUDED.tier,
			reason       = EXCLUDED.reason,
			processed_at = EXCLUDED.processed_at`,
		rec.MessageID, rec.Subject, rec.Sender, rec.Tier, rec.Reason, rec.ProcessedAt,
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("upsert processed: %w", err))
	}
	return nil
}

// IsPublished reports whether an event from this message is recorded.
func (s *Store) IsPublished(ctx context.Context, sourceMessageID string) (bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.IsPublished", "SELECT")
	defer span.End()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE source_message_id = $1)`,
		sourceMessageID,
	).Scan(&exists)
	if err != nil {
		return false, s.fail(span, fmt.Errorf("query published: %w", err))
	}
	return exists, nil
}

const eventColumns = `id, source_message_id, name, event_date, event_time, end_time,
	location, food_type, confidence, reasoning, raw_response, calendar_ref, calendar_link, created_at`

// MarkPublished records the full event payload. The unique constraint
// on source_message_id makes the mark idempotent per message.
func (s *Store) MarkPublished(ctx context.Context, ev *pipeline.Event) error {
	ctx, span := s.startSpan(ctx, "pgstore.MarkPublished", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT (source_message_id) DO NOTHING`,
		ev.ID, ev.SourceMessageID, ev.Name, ev.Date, ev.Time, ev.EndTime,
		ev.Location, ev.FoodType, ev.Confidence, ev.Reasoning, ev.RawResponse,
		ev.CalendarRef, ev.CalendarLink, ev.CreatedAt,
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("insert event: %w", err))
	}
	return nil
}

// SetPublishRef records the external publisher's reference on an event.
func (s *Store) SetPublishRef(ctx context.Context, eventID, ref, link string) error {
	ctx, span := s.startSpan(ctx, "pgstore.SetPublishRef", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`UPDATE events SET calendar_ref = $2, calendar_link = $3 WHERE id = $1`,
		eventID, ref, link,
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("update publish ref: %w", err))
	}
	return nil
}

// RecordCall appends a usage-tracking row.
func (s *Store) RecordCall(ctx context.Context, call *pipeline.ProviderCall) error {
	ctx, span := s.startSpan(ctx, "pgstore.RecordCall", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_calls (provider, model, message_id, purpose, success, duration_s, called_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		call.Provider, call.Model, call.MessageID, call.Purpose, call.Success, call.Duration, call.CalledAt,
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("insert provider call: %w", err))
	}
	return nil
}

// CallsOn counts successful calls for a provider on the given local day.
// Day boundaries are computed in the process's local zone so the count
// agrees with the governor's rollover.
func (s *Store) CallsOn(ctx context.Context, provider string, day time.Time) (int, error) {
	ctx, span := s.startSpan(ctx, "pgstore.CallsOn", "SELECT")
	defer span.End()

	local := day.Local()
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
	end := start.AddDate(0, 0, 1)

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM provider_calls
		 WHERE provider = $1 AND success AND called_at >= $2 AND called_at < $3`,
		provider, start, end,
	).Scan(&n)
	if err != nil {
		return 0, s.fail(span, fmt.Errorf("count calls: %w", err))
	}
	return n, nil
}

// SaveScan upserts a scan summary.
func (s *Store) SaveScan(ctx context.Context, sum *pipeline.ScanSummary) error {
	ctx, span := s.startSpan(ctx, "pgstore.SaveScan", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scans (
			id, started_at, finished_at, scanned, skipped, rejected_heuristic,
			rejected_semantic, deferred, no_event, accepted, published, failed, budget_exhausted
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			finished_at        = EXCLUDED.finished_at,
			scanned            = EXCLUDED.scanned,
			skipped            = EXCLUDED.skipped,
			rejected_heuristic = EXCLUDED.rejected_heuristic,
			rejected_semantic  = EXCLUDED.rejected_semantic,
			deferred           = EXCLUDED.deferred,
			no_event           = EXCLUDED.no_event,
			accepted           = EXCLUDED.accepted,
			published          = EXCLUDED.published,
			failed             = EXCLUDED.failed,
			budget_exhausted   = EXCLUDED.budget_exhausted`,
		sum.ID, sum.StartedAt, sum.FinishedAt, sum.Scanned, sum.Skipped, sum.RejectedHeuristic,
		sum.RejectedSemantic, sum.Deferred, sum.NoEvent, sum.Accepted, sum.Published, sum.Failed,
		sum.BudgetExhausted,
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("upsert scan: %w", err))
	}
	return nil
}

// GetScan retrieves a scan summary by ID.
func (s *Store) GetScan(ctx context.Context, id string) (*pipeline.ScanSummary, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.GetScan", "SELECT")
	defer span.End()

	var sum pipeline.ScanSummary
	err := s.pool.QueryRow(ctx,
		`SELECT id, started_at, finished_at, scanned, skipped, rejected_heuristic,
			rejected_semantic, deferred, no_event, accepted, published, failed, budget_exhausted
		 FROM scans WHERE id = $1`,
		id,
	).Scan(
		&sum.ID, &sum.StartedAt, &sum.FinishedAt, &sum.Scanned, &sum.Skipped, &sum.RejectedHeuristic,
		&sum.RejectedSemantic, &sum.Deferred, &sum.NoEvent, &sum.Accepted, &sum.Published, &sum.Failed,
		&sum.BudgetExhausted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, s.fail(span, fmt.Errorf("query scan: %w", err))
	}
	return &sum, true, nil
}

// RecentEvents lists the most recently extracted events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*pipeline.Event, error) {
	ctx, span := s.startSpan(ctx, "pgstore.RecentEvents", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	evs, err := scanEvents(rows)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return evs, nil
}

// UpcomingEvents lists events dated within [from, from+days), soonest first.
func (s *Store) UpcomingEvents(ctx context.Context, from time.Time, days int) ([]*pipeline.Event, error) {
	ctx, span := s.startSpan(ctx, "pgstore.UpcomingEvents", "SELECT")
	defer span.End()

	start := from.Local().Format("2006-01-02")
	end := from.AddDate(0, 0, days).Local().Format("2006-01-02")

	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE event_date >= $1 AND event_date < $2
		 ORDER BY event_date, event_time`,
		start, end,
	)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query upcoming: %w", err))
	}
	defer rows.Close()

	evs, err := scanEvents(rows)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return evs, nil
}

func scanEvents(rows pgx.Rows) ([]*pipeline.Event, error) {
	var evs []*pipeline.Event
	for rows.Next() {
		var ev pipeline.Event
		if err := rows.Scan(
			&ev.ID, &ev.SourceMessageID, &ev.Name, &ev.Date, &ev.Time, &ev.EndTime,
			&ev.Location, &ev.FoodType, &ev.Confidence, &ev.Reasoning, &ev.RawResponse,
			&ev.CalendarRef, &ev.CalendarLink, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evs = append(evs, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return evs, nil
}

func (s *Store) startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func (s *Store) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
