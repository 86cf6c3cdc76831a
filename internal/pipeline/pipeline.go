package pipeline

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/forager/internal/mail"
)

// PublishRef is the external publisher's handle for a published event.
type PublishRef struct {
	ID   string
	Link string
}

// Publisher pushes an accepted event to an external calendar-like
// destination. Implementations are expected to dedup against their own
// store as a second line of defense and to be idempotent given the
// same source message ID.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) (*PublishRef, error)
}

// Pipeline runs the tiered classification-and-extraction flow over a
// batch of messages. Tiers 1 and 2 are evaluated with bounded
// parallelism (they share nothing but read-only configuration); Tier 3
// runs serially in batch order because every acquisition funnels
// through the one shared governor.
type Pipeline struct {
	store       Store
	heuristic   *HeuristicFilter
	semantic    *SemanticFilter
	extractor   *BudgetedExtractor
	publisher   Publisher
	logger      log.Logger
	hooks       Hooks
	parallelism int
}

// NewPipeline wires the tiers together. publisher may be nil, in which
// case accepted events are recorded in the ledger but not pushed
// anywhere.
func NewPipeline(store Store, heuristic *HeuristicFilter, semantic *SemanticFilter, extractor *BudgetedExtractor, publisher Publisher, logger log.Logger, hooks Hooks, parallelism int) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Pipeline{
		store:       store,
		heuristic:   heuristic,
		semantic:    semantic,
		extractor:   extractor,
		publisher:   publisher,
		logger:      logger,
		hooks:       hooks,
		parallelism: parallelism,
	}
}

// screened is the intermediate state after the cheap tiers.
type screened struct {
	dupInBatch bool
	processed  bool
	readErr    error
	rejected   bool
	tier       string
	reason     string
}

// Process runs the full pipeline over a batch and returns one outcome
// per message, in batch order. Records are independent: no outcome
// depends on another record, and a failure never aborts the batch.
// Cancellation between records is safe; each ledger write is atomic,
// so a resumed batch simply skips what already landed.
func (p *Pipeline) Process(ctx context.Context, batch []mail.Message) []Outcome {
	outcomes := make([]Outcome, len(batch))
	screens := make([]screened, len(batch))

	// First occurrence of an ID owns it; later occurrences in the same
	// batch short-circuit like an already-processed message would.
	seen := make(map[string]int, len(batch))
	for i := range batch {
		if _, ok := seen[batch[i].ID]; ok {
			screens[i].dupInBatch = true
			continue
		}
		seen[batch[i].ID] = i
	}

	// Tiers 1-2 plus the ledger pre-check, bounded parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for i := range batch {
		if screens[i].dupInBatch {
			continue
		}
		g.Go(func() error {
			p.screen(gctx, &batch[i], &screens[i])
			return nil
		})
	}
	_ = g.Wait()

	// Tier 3 and outcome finalization, serial in batch order. The
	// governor's spacing is global to the batch, not per record.
	budgetExhausted := false
	for i := range batch {
		outcomes[i] = p.finalize(ctx, &batch[i], &screens[i], &budgetExhausted)
		if p.hooks.OnOutcome != nil {
			o := &outcomes[i]
			p.hooks.OnOutcome(o.Kind, o.Tier, o.Reason)
		}
	}
	return outcomes
}

func (p *Pipeline) screen(ctx context.Context, msg *mail.Message, s *screened) {
	done, err := p.store.IsProcessed(ctx, msg.ID)
	if err != nil {
		s.readErr = err
		return
	}
	if done {
		s.processed = true
		return
	}

	if v := p.heuristic.Evaluate(msg.Subject, msg.Body); v.Rejected {
		s.rejected = true
		s.tier = TierHeuristic
		s.reason = v.Reason
		return
	}

	if v := p.semantic.Evaluate(ctx, msg); v.Rejected {
		s.rejected = true
		s.tier = TierSemantic
		s.reason = v.Reason
	} else if v.Bypassed {
		p.logger.Info(ctx, "semantic filter bypassed", "message_id", msg.ID, "reason", v.Reason)
	}
}

func (p *Pipeline) finalize(ctx context.Context, msg *mail.Message, s *screened, budgetExhausted *bool) Outcome {
	switch {
	case s.dupInBatch:
		return Outcome{MessageID: msg.ID, Kind: OutcomeSkipped, Reason: "duplicate_in_batch"}
	case s.processed:
		return Outcome{MessageID: msg.ID, Kind: OutcomeSkipped, Reason: "already_processed"}
	case s.readErr != nil:
		p.logger.Error(ctx, s.readErr, "ledger read failed", "message_id", msg.ID)
		return Outcome{MessageID: msg.ID, Kind: OutcomeFailed, Err: s.readErr}
	case s.rejected:
		return p.conclude(ctx, msg, Outcome{
			MessageID: msg.ID,
			Kind:      OutcomeRejected,
			Tier:      s.tier,
			Reason:    s.reason,
		})
	}

	if *budgetExhausted {
		return Outcome{MessageID: msg.ID, Kind: OutcomeDeferred, Tier: TierExtract, Reason: DenyDailyBudget, ResumeTomorrow: true}
	}
	if ctx.Err() != nil {
		return Outcome{MessageID: msg.ID, Kind: OutcomeDeferred, Tier: TierExtract, Reason: "canceled", RetryAfter: time.Second}
	}

	res := p.extractOnce(ctx, msg)
	if res.ResumeTomorrow {
		*budgetExhausted = true
	}

	switch res.Kind {
	case OutcomeDeferred:
		// Deferred records stay unprocessed in the ledger so the next
		// scan picks them up again.
		return Outcome{
			MessageID:      msg.ID,
			Kind:           OutcomeDeferred,
			Tier:           TierExtract,
			Reason:         res.Reason,
			RetryAfter:     res.RetryAfter,
			ResumeTomorrow: res.ResumeTomorrow,
		}
	case OutcomeNoEvent:
		return p.conclude(ctx, msg, Outcome{
			MessageID: msg.ID,
			Kind:      OutcomeNoEvent,
			Tier:      TierExtract,
			Reason:    res.Reason,
		})
	}

	return p.accept(ctx, msg, res.Event)
}

// extractOnce runs Tier 3 with at most one retry after a transient
// denial. The wait is the only suspension point in the pipeline and is
// cancellable.
func (p *Pipeline) extractOnce(ctx context.Context, msg *mail.Message) *ExtractResult {
	res := p.extractor.Extract(ctx, msg)
	p.recordUsage(ctx, msg.ID, res)
	if res.Kind != OutcomeDeferred || res.ResumeTomorrow {
		return res
	}

	if res.RetryAfter > 0 {
		t := time.NewTimer(res.RetryAfter)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return &ExtractResult{Kind: OutcomeDeferred, Reason: "canceled", RetryAfter: res.RetryAfter}
		case <-t.C:
		}
	}

	// Second deferral is final; no unbounded loops.
	res = p.extractor.Extract(ctx, msg)
	p.recordUsage(ctx, msg.ID, res)
	return res
}

// recordUsage persists the ledger row for a provider call that went
// out. The success rows seed the governor after a restart; a failed
// write degrades only that seeding, never the batch.
func (p *Pipeline) recordUsage(ctx context.Context, messageID string, res *ExtractResult) {
	if !res.CallMade {
		return
	}
	call := &ProviderCall{
		Provider:  res.Provider,
		Model:     res.Model,
		MessageID: messageID,
		Purpose:   "extraction",
		Success:   res.CallOutcome == CallSuccess,
		Duration:  res.Duration.Seconds(),
		CalledAt:  time.Now(),
	}
	if err := p.store.RecordCall(ctx, call); err != nil {
		p.logger.Warn(ctx, "failed to record provider call", "message_id", messageID, "error", err)
	}
}

// accept handles a Tier 3 acceptance: the post-acceptance published
// check, the durable published mark, the external publish, and the
// processed mark, in that order. The published mark lands before the
// publish side effect so a crash in between is recoverable from the
// ledger without re-running extraction.
func (p *Pipeline) accept(ctx context.Context, msg *mail.Message, ev *Event) Outcome {
	out := Outcome{MessageID: msg.ID, Kind: OutcomeAccepted, Tier: TierExtract, Event: ev}

	published, err := p.store.IsPublished(ctx, msg.ID)
	if err != nil {
		p.logger.Error(ctx, err, "ledger published-check failed", "message_id", msg.ID)
		return Outcome{MessageID: msg.ID, Kind: OutcomeFailed, Err: err}
	}

	if published {
		out.Reason = "already_published"
		return p.conclude(ctx, msg, out)
	}

	if err := p.store.MarkPublished(ctx, ev); err != nil {
		p.logger.Error(ctx, err, "ledger publish mark failed", "message_id", msg.ID, "event", ev.Name)
		return Outcome{MessageID: msg.ID, Kind: OutcomeFailed, Err: err}
	}

	if p.publisher != nil {
		ref, err := p.publisher.Publish(ctx, ev)
		if err != nil {
			// The event is durably recorded; the publisher's own dedup
			// covers a later manual republish. Not fatal for the record.
			p.logger.Error(ctx, err, "publish failed", "message_id", msg.ID, "event", ev.Name)
			out.Err = err
		} else {
			out.Published = true
			if err := p.store.SetPublishRef(ctx, ev.ID, ref.ID, ref.Link); err != nil {
				p.logger.Warn(ctx, "failed to record publish ref", "event_id", ev.ID, "error", err)
			}
		}
	}

	return p.conclude(ctx, msg, out)
}

// conclude durably marks the message processed before reporting its
// non-deferred outcome. A failed mark degrades the outcome to failed
// so the record is retried on the next scan.
func (p *Pipeline) conclude(ctx context.Context, msg *mail.Message, out Outcome) Outcome {
	rec := &ProcessedMessage{
		MessageID:   msg.ID,
		Subject:     msg.Subject,
		Sender:      msg.Sender,
		Tier:        out.Tier,
		Reason:      out.Reason,
		ProcessedAt: time.Now(),
	}
	if rec.Tier == "" {
		rec.Tier = TierHeuristic
	}
	if err := p.store.MarkProcessed(ctx, rec); err != nil {
		p.logger.Error(ctx, err, "ledger processed mark failed", "message_id", msg.ID)
		return Outcome{MessageID: msg.ID, Kind: OutcomeFailed, Err: err}
	}
	return out
}
