package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

func TestStore_ProcessedMarks(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	ok, err := s.IsProcessed(ctx, "m-1")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if ok {
		t.Fatal("expected unprocessed before mark")
	}

	rec := &pipeline.ProcessedMessage{MessageID: "m-1", Subject: "Free pizza", Tier: "heuristic", ProcessedAt: time.Now()}
	if err := s.MarkProcessed(ctx, rec); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	ok, err = s.IsProcessed(ctx, "m-1")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !ok {
		t.Fatal("expected processed after mark")
	}
}

func TestStore_PublishedMarks(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	ok, err := s.IsPublished(ctx, "m-1")
	if err != nil {
		t.Fatalf("IsPublished: %v", err)
	}
	if ok {
		t.Fatal("expected unpublished before mark")
	}

	ev := &pipeline.Event{ID: "ev-1", SourceMessageID: "m-1", Name: "Taco Tuesday", Date: "2026-09-01"}
	if err := s.MarkPublished(ctx, ev); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	ok, err = s.IsPublished(ctx, "m-1")
	if err != nil {
		t.Fatalf("IsPublished: %v", err)
	}
	if !ok {
		t.Fatal("expected published after mark")
	}
}

func TestStore_SetPublishRef(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.MarkPublished(ctx, &pipeline.Event{ID: "ev-1", SourceMessageID: "m-1", Name: "Bagels"})

	if err := s.SetPublishRef(ctx, "ev-1", "cal-1", "https://calendar.example/cal-1"); err != nil {
		t.Fatalf("SetPublishRef: %v", err)
	}

	evs, err := s.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1", len(evs))
	}
	if evs[0].CalendarRef != "cal-1" {
		t.Errorf("CalendarRef = %q, want cal-1", evs[0].CalendarRef)
	}
}

func TestStore_CallsOn(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	today := time.Now()
	yesterday := today.AddDate(0, 0, -1)

	for i, c := range []*pipeline.ProviderCall{
		{Provider: "cohere", Success: true, CalledAt: today},
		{Provider: "cohere", Success: true, CalledAt: today},
		{Provider: "cohere", Success: false, CalledAt: today},
		{Provider: "cohere", Success: true, CalledAt: yesterday},
		{Provider: "gemini", Success: true, CalledAt: today},
	} {
		if err := s.RecordCall(ctx, c); err != nil {
			t.Fatalf("RecordCall %d: %v", i, err)
		}
	}

	n, err := s.CallsOn(ctx, "cohere", today)
	if err != nil {
		t.Fatalf("CallsOn: %v", err)
	}
	if n != 2 {
		t.Errorf("CallsOn = %d, want 2 (successes today only)", n)
	}
}

func TestStore_Scans(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, ok, err := s.GetScan(ctx, "missing")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing scan")
	}

	sum := &pipeline.ScanSummary{ID: "s-1", Scanned: 5, Accepted: 2}
	if err := s.SaveScan(ctx, sum); err != nil {
		t.Fatalf("SaveScan: %v", err)
	}

	got, ok, err := s.GetScan(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if !ok {
		t.Fatal("expected scan to be found")
	}
	if got.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", got.Accepted)
	}

	// The store holds a copy, not the caller's pointer.
	sum.Accepted = 99
	got, _, _ = s.GetScan(ctx, "s-1")
	if got.Accepted != 2 {
		t.Error("stored scan aliases the caller's struct")
	}
}

func TestStore_UpcomingEvents(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	from := time.Date(2026, 8, 29, 8, 0, 0, 0, time.Local)

	for _, ev := range []*pipeline.Event{
		{ID: "ev-past", SourceMessageID: "m-1", Name: "Old", Date: "2026-08-20"},
		{ID: "ev-soon", SourceMessageID: "m-2", Name: "Soon", Date: "2026-08-30", Time: "12:00"},
		{ID: "ev-later", SourceMessageID: "m-3", Name: "Later", Date: "2026-09-02"},
		{ID: "ev-far", SourceMessageID: "m-4", Name: "Far", Date: "2026-10-01"},
	} {
		_ = s.MarkPublished(ctx, ev)
	}

	evs, err := s.UpcomingEvents(ctx, from, 7)
	if err != nil {
		t.Fatalf("UpcomingEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2", len(evs))
	}
	if evs[0].Name != "Soon" || evs[1].Name != "Later" {
		t.Errorf("order = %q, %q; want Soon, Later", evs[0].Name, evs[1].Name)
	}
}

func TestStore_RecentEventsOrderAndLimit(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now()

	for i := range 5 {
		_ = s.MarkPublished(ctx, &pipeline.Event{
			ID:              fmt.Sprintf("ev-%d", i),
			SourceMessageID: fmt.Sprintf("m-%d", i),
			Name:            fmt.Sprintf("Event %d", i),
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		})
	}

	evs, err := s.RecentEvents(ctx, 3)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %d, want 3", len(evs))
	}
	if evs[0].Name != "Event 4" {
		t.Errorf("newest = %q, want Event 4", evs[0].Name)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := fmt.Sprintf("m-%d", i)

		go func() {
			defer wg.Done()
			_ = s.MarkProcessed(ctx, &pipeline.ProcessedMessage{MessageID: id})
			_ = s.MarkPublished(ctx, &pipeline.Event{ID: "ev-" + id, SourceMessageID: id})
		}()

		go func() {
			defer wg.Done()
			_, _ = s.IsProcessed(ctx, id)
			_, _ = s.IsPublished(ctx, id)
			_, _ = s.RecentEvents(ctx, 10)
		}()
	}

	wg.Wait()
}
