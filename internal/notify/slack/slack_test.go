package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

func testSummary() *pipeline.ScanSummary {
	return &pipeline.ScanSummary{
		ID:                "01JN123",
		StartedAt:         time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC),
		FinishedAt:        time.Date(2026, 8, 29, 9, 1, 30, 0, time.UTC),
		Scanned:           12,
		RejectedHeuristic: 7,
		RejectedSemantic:  2,
		NoEvent:           2,
		Accepted:          1,
		Published:         1,
	}
}

func TestScanFinished_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	accepted := []*pipeline.Event{{
		Name:         "Pizza Lunch",
		Date:         "2026-09-01",
		Time:         "12:30",
		Location:     "Kitchen 4F",
		FoodType:     "pizza",
		CalendarLink: "https://calendar.google.com/event?eid=abc",
	}}
	n.ScanFinished(context.Background(), testSummary(), accepted)

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, event, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Fatalf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "1 free food event") {
		t.Errorf("header text = %q", headerText)
	}

	event := blocks[4].(map[string]any)
	eventText := event["text"].(map[string]any)["text"].(string)
	for _, want := range []string{"Pizza Lunch", "2026-09-01", "12:30", "Kitchen 4F", "calendar.google.com"} {
		if !strings.Contains(eventText, want) {
			t.Errorf("event text = %q, want to contain %q", eventText, want)
		}
	}

	footer := blocks[6].(map[string]any)
	footerText := footer["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(footerText, "01JN123") {
		t.Errorf("context text = %q, want scan ID", footerText)
	}
}

func TestScanFinished_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	// Must not panic or reach the network.
	n := New("", log.Nop())
	n.ScanFinished(context.Background(), testSummary(), nil)
}

func TestScanFinished_WebhookErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	n.ScanFinished(context.Background(), testSummary(), nil)
}

func TestHeaderBlock(t *testing.T) {
	t.Parallel()

	events := func(n int) []*pipeline.Event {
		out := make([]*pipeline.Event, n)
		for i := range out {
			out[i] = &pipeline.Event{Name: "Snacks", Date: "2026-09-01"}
		}
		return out
	}

	tests := []struct {
		name     string
		sum      *pipeline.ScanSummary
		accepted []*pipeline.Event
		want     string
	}{
		{"single event", testSummary(), events(1), "1 free food event found"},
		{"several events", testSummary(), events(3), "3 free food events found"},
		{"nothing found", &pipeline.ScanSummary{}, nil, "no new events"},
		{"budget exhausted", &pipeline.ScanSummary{BudgetExhausted: true}, nil, "daily budget exhausted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := headerBlock(tt.sum, tt.accepted)
			text := block["text"].(map[string]any)["text"].(string)
			if !strings.Contains(text, tt.want) {
				t.Errorf("header text = %q, want to contain %q", text, tt.want)
			}
		})
	}
}

func TestBuildMessage_CapsEventBlocks(t *testing.T) {
	t.Parallel()

	accepted := make([]*pipeline.Event, maxEventBlocks+5)
	for i := range accepted {
		accepted[i] = &pipeline.Event{Name: "Snacks", Date: "2026-09-01"}
	}

	msg := buildMessage(testSummary(), accepted)
	blocks := msg["blocks"].([]map[string]any)

	// header, divider, fields, divider, capped events, overflow note,
	// divider, context
	want := 4 + maxEventBlocks + 1 + 2
	if len(blocks) != want {
		t.Errorf("blocks count = %d, want %d", len(blocks), want)
	}

	overflow := blocks[4+maxEventBlocks]
	text := overflow["text"].(map[string]any)["text"].(string)
	if !strings.Contains(text, "5 more") {
		t.Errorf("overflow text = %q, want to mention 5 more", text)
	}
}
