// Package memstore provides an in-memory implementation of pipeline.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

// Store holds the ledger in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	processed map[string]*pipeline.ProcessedMessage // message ID -> record
	events    map[string]*pipeline.Event            // source message ID -> event
	calls     []*pipeline.ProviderCall
	scans     map[string]*pipeline.ScanSummary
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		processed: make(map[string]*pipeline.ProcessedMessage),
		events:    make(map[string]*pipeline.Event),
		scans:     make(map[string]*pipeline.ScanSummary),
	}
}

// IsProcessed reports whether the message already has a processed mark.
func (s *Store) IsProcessed(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[messageID]
	return ok, nil
}

// MarkProcessed stores a copy of the processed record.
func (s *Store) MarkProcessed(_ context.Context, rec *pipeline.ProcessedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.processed[rec.MessageID] = &cp
	return nil
}

// IsPublished reports whether an event from this message was already recorded.
func (s *Store) IsPublished(_ context.Context, sourceMessageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[sourceMessageID]
	return ok, nil
}

// MarkPublished stores a copy of the event keyed by its source message.
func (s *Store) MarkPublished(_ context.Context, ev *pipeline.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.SourceMessageID] = &cp
	return nil
}

// SetPublishRef records the external reference on a stored event.
func (s *Store) SetPublishRef(_ context.Context, eventID, ref, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == eventID {
			ev.CalendarRef = ref
			ev.CalendarLink = link
			return nil
		}
	}
	return nil
}

// RecordCall appends a usage row.
func (s *Store) RecordCall(_ context.Context, call *pipeline.ProviderCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *call
	s.calls = append(s.calls, &cp)
	return nil
}

// CallsOn counts successful calls for a provider on the given local day.
func (s *Store) CallsOn(_ context.Context, provider string, day time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := day.Local().Format("2006-01-02")
	n := 0
	for _, c := range s.calls {
		if c.Provider == provider && c.Success && c.CalledAt.Local().Format("2006-01-02") == want {
			n++
		}
	}
	return n, nil
}

// SaveScan stores a copy of the scan summary.
func (s *Store) SaveScan(_ context.Context, sum *pipeline.ScanSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sum
	s.scans[sum.ID] = &cp
	return nil
}

// GetScan retrieves a scan summary by ID. Returns a copy.
func (s *Store) GetScan(_ context.Context, id string) (*pipeline.ScanSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.scans[id]
	if !ok {
		return nil, false, nil
	}
	cp := *sum
	return &cp, true, nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(_ context.Context, limit int) ([]*pipeline.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := make([]*pipeline.Event, 0, len(s.events))
	for _, ev := range s.events {
		cp := *ev
		evs = append(evs, &cp)
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].CreatedAt.After(evs[j].CreatedAt) })
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	return evs, nil
}

// UpcomingEvents returns events dated within [from, from+days), soonest first.
func (s *Store) UpcomingEvents(_ context.Context, from time.Time, days int) ([]*pipeline.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := from.Local().Format("2006-01-02")
	end := from.AddDate(0, 0, days).Local().Format("2006-01-02")
	var evs []*pipeline.Event
	for _, ev := range s.events {
		if ev.Date >= start && ev.Date < end {
			cp := *ev
			evs = append(evs, &cp)
		}
	}
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].Date != evs[j].Date {
			return evs[i].Date < evs[j].Date
		}
		return evs[i].Time < evs[j].Time
	})
	return evs, nil
}
