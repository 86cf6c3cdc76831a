package pipeline

import (
	"context"
	"time"
)

// ProcessedMessage is the durable dedup record for one message.
type ProcessedMessage struct {
	MessageID   string    `json:"message_id"`
	Subject     string    `json:"subject"`
	Sender      string    `json:"sender"`
	Tier        string    `json:"tier"`   // last tier reached
	Reason      string    `json:"reason"` // rejection/no-event reason, if any
	ProcessedAt time.Time `json:"processed_at"`
}

// ProviderCall is one usage-tracking row for an external capability
// call. Daily extractor budget is seeded from these at startup.
type ProviderCall struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	MessageID string    `json:"message_id,omitempty"`
	Purpose   string    `json:"purpose"` // "filtering" or "extraction"
	Success   bool      `json:"success"`
	Duration  float64   `json:"duration_seconds"`
	CalledAt  time.Time `json:"called_at"`
}

// ScanSummary is the per-batch outcome report. No outcome category is
// silently dropped: every message lands in exactly one counter.
type ScanSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Scanned           int `json:"scanned"`
	Skipped           int `json:"skipped"`
	RejectedHeuristic int `json:"rejected_heuristic"`
	RejectedSemantic  int `json:"rejected_semantic"`
	Deferred          int `json:"deferred"`
	NoEvent           int `json:"no_event"`
	Accepted          int `json:"accepted"`
	Published         int `json:"published"`
	Failed            int `json:"failed"`

	// BudgetExhausted records that the daily extraction budget ran out
	// mid-batch; remaining Tier 3 work resumes after the day rolls over.
	BudgetExhausted bool `json:"budget_exhausted"`
}

// Store is the durable ledger behind the pipeline. Implementations
// must make MarkProcessed and MarkPublished durable before returning:
// the pipeline reports a non-deferred outcome only after the processed
// mark landed, and publishes an event only after the published mark
// (with the full event payload) landed, so a crash between accept and
// publish is recoverable from the ledger without re-extraction.
type Store interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, rec *ProcessedMessage) error

	IsPublished(ctx context.Context, sourceMessageID string) (bool, error)
	MarkPublished(ctx context.Context, ev *Event) error

	// SetPublishRef records the external publisher's reference on an
	// already-marked event. Best effort: the event is durable either way.
	SetPublishRef(ctx context.Context, eventID, ref, link string) error

	RecordCall(ctx context.Context, call *ProviderCall) error

	// CallsOn counts successful calls for a provider on the given local
	// day, seeding the governor after a restart.
	CallsOn(ctx context.Context, provider string, day time.Time) (int, error)

	SaveScan(ctx context.Context, sum *ScanSummary) error
	GetScan(ctx context.Context, id string) (*ScanSummary, bool, error)

	RecentEvents(ctx context.Context, limit int) ([]*Event, error)
	UpcomingEvents(ctx context.Context, from time.Time, days int) ([]*Event, error)
}
