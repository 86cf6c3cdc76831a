// Package eventapi exposes scan control and event reads over HTTP.
package eventapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

const (
	defaultRecentLimit  = 20
	maxRecentLimit      = 100
	defaultUpcomingDays = 7
	maxUpcomingDays     = 31
)

// ScanService defines the business operations eventapi needs.
type ScanService interface {
	Scan(ctx context.Context) (*pipeline.ScanSummary, error)
	GetScan(ctx context.Context, id string) (*pipeline.ScanSummary, bool, error)
	RecentEvents(ctx context.Context, limit int) ([]*pipeline.Event, error)
	UpcomingEvents(ctx context.Context, days int) ([]*pipeline.Event, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      ScanService
	governor *pipeline.Governor
}

// New creates a new API handler. governor may be nil; the stats
// endpoint then omits budget fields.
func New(logger log.Logger, svc ScanService, governor *pipeline.Governor) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("scan service is required"))
	}
	return &API{
		logger:   logger,
		svc:      svc,
		governor: governor,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scans", a.handleStartScan)
		r.Get("/scans/{id}", a.handleGetScan)
		r.Get("/events/recent", a.handleRecentEvents)
		r.Get("/events/upcoming", a.handleUpcomingEvents)
		r.Get("/stats", a.handleStats)
	})
}

func (a *API) handleStartScan(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.Scan(r.Context())
	if errors.Is(err, pipeline.ErrScanInProgress) {
		http.Error(w, `{"error":"scan already in progress"}`, http.StatusConflict)
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "scan failed")
		http.Error(w, `{"error":"scan failed"}`, http.StatusBadGateway)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("forager.scan.id", sum.ID),
		attribute.Int("forager.scan.accepted", sum.Accepted),
	)

	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("forager.scan.id", id))

	sum, ok, err := a.svc.GetScan(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get scan", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultRecentLimit, maxRecentLimit)

	events, err := a.svc.RecentEvents(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list recent events")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": emptyIfNil(events)})
}

func (a *API) handleUpcomingEvents(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", defaultUpcomingDays, maxUpcomingDays)

	events, err := a.svc.UpcomingEvents(r.Context(), days)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list upcoming events")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": emptyIfNil(events)})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}
	if a.governor != nil {
		stats["budget_remaining_today"] = a.governor.RemainingToday()
		stats["cooldown_seconds"] = a.governor.CooldownRemaining().Seconds()
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func emptyIfNil(events []*pipeline.Event) []*pipeline.Event {
	if events == nil {
		return []*pipeline.Event{}
	}
	return events
}
