package pipeline

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/forager/internal/mail"
)

// SemanticFilter is the Tier 2 screen: a cheap external classifier
// answering whether food is actually provided, not merely mentioned.
//
// Availability beats precision here. If the classifier is unreachable
// or returns garbage the filter bypasses (treated as a pass) so a
// transient outage of a free-tier service never costs a real event;
// the expensive tier behind it makes the final call anyway.
type SemanticFilter struct {
	classifier Classifier
	threshold  float64
	logger     log.Logger
}

// NewSemanticFilter builds a Tier 2 filter. threshold is the minimum
// classifier confidence to pass; below it the message is rejected.
func NewSemanticFilter(classifier Classifier, threshold float64, logger log.Logger) *SemanticFilter {
	if logger == nil {
		logger = log.Nop()
	}
	return &SemanticFilter{
		classifier: classifier,
		threshold:  threshold,
		logger:     logger,
	}
}

// Evaluate classifies one message. A classifier error yields a
// bypassed verdict, never a rejection.
func (f *SemanticFilter) Evaluate(ctx context.Context, msg *mail.Message) Verdict {
	if f.classifier == nil {
		return Verdict{Bypassed: true, Reason: "no_classifier"}
	}

	c, err := f.classifier.Classify(ctx, msg.Subject, msg.Body, msg.Sender)
	if err != nil {
		f.logger.Warn(ctx, "classifier unavailable, bypassing semantic filter",
			"message_id", msg.ID,
			"error", err,
		)
		return Verdict{Bypassed: true, Reason: "classifier_unavailable"}
	}

	if !c.Provided {
		return Verdict{Rejected: true, Reason: ReasonNotProvided}
	}
	if c.Confidence < f.threshold {
		return Verdict{Rejected: true, Reason: ReasonBelowThreshold}
	}

	return Verdict{}
}
