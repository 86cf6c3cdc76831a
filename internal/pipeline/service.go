package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/forager/internal/mail"
)

// Source yields a bounded batch of inbound messages for one scan.
// Query syntax and pagination are the provider's concern.
type Source interface {
	Search(ctx context.Context, query string, max int) ([]mail.Message, error)
}

// Notifier receives the summary of a finished scan. Optional.
type Notifier interface {
	ScanFinished(ctx context.Context, sum *ScanSummary, accepted []*Event)
}

// ErrScanInProgress is returned when a scan is requested while another
// one is still running; scans are strictly serialized.
var ErrScanInProgress = errors.New("scan already in progress")

// Service is the business boundary for scan operations: it owns the
// fetch-process-report lifecycle around the pipeline and serves reads
// for the API.
type Service struct {
	source   Source
	pipeline *Pipeline
	store    Store
	logger   log.Logger
	hooks    Hooks
	notifier Notifier

	query       string
	maxMessages int

	mu      sync.Mutex
	running bool
}

// NewService creates a scan service. notifier may be nil.
func NewService(source Source, pipeline *Pipeline, store Store, logger log.Logger, hooks Hooks, notifier Notifier, query string, maxMessages int) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		source:      source,
		pipeline:    pipeline,
		store:       store,
		logger:      logger,
		hooks:       hooks,
		notifier:    notifier,
		query:       query,
		maxMessages: maxMessages,
	}
}

// Scan fetches one batch from the source, runs it through the
// pipeline, persists the summary and returns it. Only one scan runs at
// a time.
func (s *Service) Scan(ctx context.Context) (*ScanSummary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrScanInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	id := ulid.Make().String()
	start := time.Now()
	L := s.logger.With("scan_id", id)

	msgs, err := s.source.Search(ctx, s.query, s.maxMessages)
	if err != nil {
		return nil, err
	}

	// Drop records the pipeline cannot dedup.
	batch := msgs[:0]
	for i := range msgs {
		if msgs[i].Valid() {
			batch = append(batch, msgs[i])
		} else {
			L.Warn(ctx, "dropping message without id", "subject", msgs[i].Subject)
		}
	}

	L.Info(ctx, "scan started", "fetched", len(batch), "query", s.query)

	outcomes := s.pipeline.Process(ctx, batch)
	sum := summarize(id, start, time.Now(), outcomes)

	if err := s.store.SaveScan(ctx, sum); err != nil {
		L.Error(ctx, err, "failed to persist scan summary")
	}
	if s.hooks.OnScan != nil {
		s.hooks.OnScan(sum, sum.FinishedAt.Sub(sum.StartedAt).Seconds())
	}
	if s.notifier != nil {
		s.notifier.ScanFinished(ctx, sum, acceptedEvents(outcomes))
	}

	L.Info(ctx, "scan finished",
		"scanned", sum.Scanned,
		"skipped", sum.Skipped,
		"rejected_heuristic", sum.RejectedHeuristic,
		"rejected_semantic", sum.RejectedSemantic,
		"deferred", sum.Deferred,
		"no_event", sum.NoEvent,
		"accepted", sum.Accepted,
		"published", sum.Published,
		"failed", sum.Failed,
		"budget_exhausted", sum.BudgetExhausted,
	)

	return sum, nil
}

// GetScan retrieves a persisted scan summary by ID.
func (s *Service) GetScan(ctx context.Context, id string) (*ScanSummary, bool, error) {
	return s.store.GetScan(ctx, id)
}

// RecentEvents lists the most recently extracted events.
func (s *Service) RecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	return s.store.RecentEvents(ctx, limit)
}

// UpcomingEvents lists events dated within the next days.
func (s *Service) UpcomingEvents(ctx context.Context, days int) ([]*Event, error) {
	return s.store.UpcomingEvents(ctx, time.Now(), days)
}

func summarize(id string, start, finish time.Time, outcomes []Outcome) *ScanSummary {
	sum := &ScanSummary{ID: id, StartedAt: start, FinishedAt: finish, Scanned: len(outcomes)}
	for i := range outcomes {
		o := &outcomes[i]
		switch o.Kind {
		case OutcomeSkipped:
			sum.Skipped++
		case OutcomeRejected:
			if o.Tier == TierSemantic {
				sum.RejectedSemantic++
			} else {
				sum.RejectedHeuristic++
			}
		case OutcomeDeferred:
			sum.Deferred++
			if o.ResumeTomorrow {
				sum.BudgetExhausted = true
			}
		case OutcomeNoEvent:
			sum.NoEvent++
		case OutcomeAccepted:
			sum.Accepted++
			if o.Published {
				sum.Published++
			}
		case OutcomeFailed:
			sum.Failed++
		}
	}
	return sum
}

func acceptedEvents(outcomes []Outcome) []*Event {
	var evs []*Event
	for i := range outcomes {
		if outcomes[i].Kind == OutcomeAccepted && outcomes[i].Event != nil && outcomes[i].Reason != "already_published" {
			evs = append(evs, outcomes[i].Event)
		}
	}
	return evs
}
