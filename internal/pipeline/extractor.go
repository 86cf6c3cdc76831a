package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/forager/internal/mail"
)

// ExtractResult is the Tier 3 result for one message: exactly one of
// deferred, no-event, or accepted.
type ExtractResult struct {
	Kind           OutcomeKind
	Reason         string
	RetryAfter     time.Duration
	ResumeTomorrow bool
	Event          *Event
	Raw            string

	// CallMade reports whether a provider call actually went out.
	// Provider, Model, Duration, and CallOutcome describe the call for
	// usage accounting when it did.
	CallMade    bool
	CallOutcome CallOutcome
	Provider    string
	Model       string
	Duration    time.Duration
}

// BudgetedExtractor wraps the structured-extraction capability behind
// the governor. Every call funnels through Acquire/RecordCall, so
// extraction frequency is bounded regardless of how many goroutines
// reach this tier.
type BudgetedExtractor struct {
	provider      Extractor
	providerName  string
	model         string
	governor      *Governor
	minConfidence float64
	logger        log.Logger
	hooks         Hooks
	now           func() time.Time
}

// NewBudgetedExtractor builds the Tier 3 stage. minConfidence is the
// cutoff below which an extraction is a normal no-event result.
func NewBudgetedExtractor(provider Extractor, providerName, model string, governor *Governor, minConfidence float64, logger log.Logger, hooks Hooks) *BudgetedExtractor {
	if logger == nil {
		logger = log.Nop()
	}
	return &BudgetedExtractor{
		provider:      provider,
		providerName:  providerName,
		model:         model,
		governor:      governor,
		minConfidence: minConfidence,
		logger:        logger,
		hooks:         hooks,
		now:           time.Now,
	}
}

// Extract runs the governed extraction call for one message.
//
// Denials map to deferrals: transient ones carry a retry-after hint,
// daily-budget exhaustion carries the resume-tomorrow marker. Provider
// throttling (ErrThrottled) opens the governor cooldown and defers for
// its duration. Malformed responses and out-of-range field values
// degrade to a no-event result with the raw payload retained; nothing
// here is a hard failure of the batch.
func (e *BudgetedExtractor) Extract(ctx context.Context, msg *mail.Message) *ExtractResult {
	grant := e.governor.Acquire()
	if !grant.Granted {
		if e.hooks.OnGovernorDenied != nil {
			e.hooks.OnGovernorDenied(grant.Reason)
		}
		return &ExtractResult{
			Kind:           OutcomeDeferred,
			Reason:         grant.Reason,
			RetryAfter:     grant.RetryAfter,
			ResumeTomorrow: grant.ResumeTomorrow,
		}
	}

	ctx, span := otel.Tracer("forager/pipeline").Start(ctx, "llm.extract")
	span.SetAttributes(
		attribute.String("gen_ai.operation.name", "llm.extract"),
		attribute.String("forager.provider", e.providerName),
		attribute.String("forager.message.id", msg.ID),
	)
	defer span.End()

	start := e.now()
	extraction, err := e.provider.Extract(ctx, &ExtractRequest{
		Subject:   msg.Subject,
		Body:      msg.Body,
		Reference: start,
	})
	elapsed := e.now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction call failed")
		if errors.Is(err, ErrThrottled) {
			e.governor.RecordCall(CallThrottled, e.now())
			e.observeCall(string(CallThrottled), elapsed)
			e.logger.Warn(ctx, "extractor throttled by provider, entering cooldown",
				"message_id", msg.ID,
				"error", err,
			)
			return &ExtractResult{
				Kind:        OutcomeDeferred,
				Reason:      DenyCooldown,
				RetryAfter:  e.governor.CooldownRemaining(),
				CallMade:    true,
				CallOutcome: CallThrottled,
				Provider:    e.providerName,
				Model:       e.model,
				Duration:    elapsed,
			}
		}

		e.governor.RecordCall(CallFailure, e.now())
		e.observeCall(string(CallFailure), elapsed)
		e.logger.Error(ctx, err, "extraction call failed", "message_id", msg.ID)
		return &ExtractResult{
			Kind:        OutcomeNoEvent,
			Reason:      "provider_error",
			CallMade:    true,
			CallOutcome: CallFailure,
			Provider:    e.providerName,
			Model:       e.model,
			Duration:    elapsed,
		}
	}

	e.governor.RecordCall(CallSuccess, e.now())
	e.observeCall(string(CallSuccess), elapsed)

	result := &ExtractResult{
		Raw:         extraction.Raw,
		CallMade:    true,
		CallOutcome: CallSuccess,
		Provider:    e.providerName,
		Model:       e.model,
		Duration:    elapsed,
	}

	if !extraction.HasEvent || len(extraction.Candidates) == 0 {
		result.Kind = OutcomeNoEvent
		result.Reason = "no_event_in_message"
		return result
	}

	best, reason := pickCandidate(msg.Subject, extraction.Candidates)
	if best == nil {
		e.logger.Info(ctx, "extraction discarded after validation",
			"message_id", msg.ID,
			"reason", reason,
		)
		result.Kind = OutcomeNoEvent
		result.Reason = reason
		return result
	}

	if best.Confidence < e.minConfidence {
		result.Kind = OutcomeNoEvent
		result.Reason = ReasonBelowThreshold
		return result
	}

	result.Kind = OutcomeAccepted
	result.Event = &Event{
		ID:              ulid.Make().String(),
		SourceMessageID: msg.ID,
		Name:            best.Name,
		Date:            best.Date,
		Time:            normalizeClock(best.Time),
		EndTime:         normalizeClock(best.EndTime),
		Location:        optionalField(best.Location),
		FoodType:        optionalField(best.FoodType),
		Confidence:      best.Confidence,
		Reasoning:       best.Reasoning,
		RawResponse:     extraction.Raw,
		CreatedAt:       e.now(),
	}
	return result
}

func (e *BudgetedExtractor) observeCall(outcome string, d time.Duration) {
	if e.hooks.OnProviderCall != nil {
		e.hooks.OnProviderCall(e.providerName, outcome, d.Seconds())
	}
}

// pickCandidate validates candidates and selects the winner. A name
// literally present in the subject line beats any body-derived name:
// the subject is the curated event title, the body tends to mention
// surrounding context or other events. Ties within each group go to
// the highest confidence.
//
// Validation is strict where the contract demands it: confidence
// outside [0,1] is a parse failure (not clamped) and an unparseable
// date disqualifies the candidate. Both degrade to no-event.
func pickCandidate(subject string, candidates []Candidate) (*Candidate, string) {
	subjectLower := strings.ToLower(subject)

	var best *Candidate
	bestInSubject := false
	reason := "no_valid_candidate"

	for i := range candidates {
		c := &candidates[i]
		if c.Confidence < 0 || c.Confidence > 1 {
			reason = "confidence_out_of_range"
			continue
		}
		if !validISODate(c.Date) {
			reason = "unparseable_date"
			continue
		}
		if c.Name == "" || strings.EqualFold(c.Name, "unknown") {
			reason = "missing_event_name"
			continue
		}

		inSubject := strings.Contains(subjectLower, strings.ToLower(c.Name))
		switch {
		case best == nil,
			inSubject && !bestInSubject,
			inSubject == bestInSubject && c.Confidence > best.Confidence:
			best = c
			bestInSubject = inSubject
		}
	}

	return best, reason
}

func validISODate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// normalizeClock keeps a valid 24-hour HH:MM value and drops anything
// else; the time fields are optional.
func normalizeClock(s string) string {
	if _, err := time.Parse("15:04", s); err != nil {
		return ""
	}
	return s
}

// optionalField maps the capability's "unknown" placeholder to empty.
func optionalField(s string) string {
	if strings.EqualFold(s, "unknown") {
		return ""
	}
	return s
}
