package pipeline

import (
	"context"
	"errors"
	"time"
)

// OutcomeKind classifies the final disposition of one message.
type OutcomeKind string

const (
	// OutcomeSkipped means the ledger already has this message; no tier ran.
	OutcomeSkipped OutcomeKind = "skipped"

	// OutcomeRejected means a filter tier turned the message away.
	OutcomeRejected OutcomeKind = "rejected"

	// OutcomeDeferred means extraction could not run yet; the caller may
	// resubmit the message on a later scan.
	OutcomeDeferred OutcomeKind = "deferred"

	// OutcomeNoEvent means extraction ran and found nothing publishable.
	OutcomeNoEvent OutcomeKind = "no_event"

	// OutcomeAccepted means extraction produced an event above the
	// confidence cutoff.
	OutcomeAccepted OutcomeKind = "accepted"

	// OutcomeFailed means a ledger write failed; the message stays
	// unprocessed and is retried on the next scan.
	OutcomeFailed OutcomeKind = "failed"
)

// Tier names used in outcomes and ledger rows.
const (
	TierHeuristic = "heuristic"
	TierSemantic  = "semantic"
	TierExtract   = "extract"
)

// Rejection reason buckets.
const (
	ReasonSpam           = "spam"
	ReasonNoFoodKeywords = "no_food_keywords"
	ReasonNotProvided    = "not_provided"
	ReasonBelowThreshold = "below_threshold"
)

// Outcome is the per-message result of a pipeline run.
type Outcome struct {
	MessageID string      `json:"message_id"`
	Kind      OutcomeKind `json:"kind"`
	Tier      string      `json:"tier,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Event     *Event      `json:"event,omitempty"`
	Published bool        `json:"published,omitempty"`
	Err       error       `json:"-"`

	// Deferral detail. RetryAfter is set for transient deferrals
	// (governor spacing, provider throttle); ResumeTomorrow marks
	// daily-budget exhaustion, which no amount of waiting inside the
	// current day will clear.
	RetryAfter     time.Duration `json:"retry_after,omitempty"`
	ResumeTomorrow bool          `json:"resume_tomorrow,omitempty"`
}

// Event is a structured free-food event extracted from one message.
// Created only by the extraction tier and never mutated afterwards;
// the calendar reference fields are filled in by the publish step on
// the stored copy, not on the pipeline's value.
type Event struct {
	ID              string    `json:"id"`
	SourceMessageID string    `json:"source_message_id"`
	Name            string    `json:"event_name"`
	Date            string    `json:"event_date"`           // YYYY-MM-DD
	Time            string    `json:"event_time,omitempty"` // HH:MM, 24h
	EndTime         string    `json:"end_time,omitempty"`
	Location        string    `json:"location,omitempty"`
	FoodType        string    `json:"food_type,omitempty"`
	Confidence      float64   `json:"confidence"`
	Reasoning       string    `json:"reasoning,omitempty"`
	RawResponse     string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	CalendarRef     string    `json:"calendar_ref,omitempty"`
	CalendarLink    string    `json:"calendar_link,omitempty"`
}

// Verdict is the intermediate result of a filter tier. It is never
// persisted; only the final Outcome reaches the ledger.
type Verdict struct {
	Rejected bool
	Bypassed bool
	Reason   string
}

// Classification is the semantic classifier's answer to "is food
// actually provided, not merely mentioned?".
type Classification struct {
	Provided   bool
	Confidence float64
}

// Classifier is the Tier 2 capability. Implementations are adapters
// over an external classification service and may fail; the filter
// treats failure as a bypass.
type Classifier interface {
	Classify(ctx context.Context, subject, body, sender string) (*Classification, error)
}

// ErrThrottled is returned by an Extractor when the provider signals
// rate limiting (an HTTP 429 equivalent). It triggers the governor's
// cooldown rather than counting as an ordinary failure.
var ErrThrottled = errors.New("provider throttled")

// ExtractRequest carries one message into the extraction capability.
// Reference anchors relative-date resolution ("tomorrow", "next
// Monday") in the prompt.
type ExtractRequest struct {
	Subject   string
	Body      string
	Reference time.Time
}

// Candidate is one raw event candidate as reported by the extraction
// capability, before validation and confidence gating.
type Candidate struct {
	Name       string  `json:"event_name"`
	Date       string  `json:"date"`
	Time       string  `json:"time"`
	EndTime    string  `json:"end_time"`
	Location   string  `json:"location"`
	FoodType   string  `json:"food_type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Extraction is the extraction capability's parsed response plus the
// raw payload, retained for audit regardless of parse success.
type Extraction struct {
	HasEvent   bool
	Candidates []Candidate
	Raw        string
}

// Extractor is the Tier 3 capability. Implementations must return
// ErrThrottled (possibly wrapped) when the provider rate-limits, so
// throttling is distinguishable from malformed responses.
type Extractor interface {
	Extract(ctx context.Context, req *ExtractRequest) (*Extraction, error)
}
