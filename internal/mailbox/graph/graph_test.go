package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func sampleMessage(id, subject, bodyType, body string) map[string]any {
	return map[string]any{
		"id":               id,
		"subject":          subject,
		"receivedDateTime": "2026-08-29T09:00:00Z",
		"bodyPreview":      "preview",
		"from": map[string]any{
			"emailAddress": map[string]any{"address": "events@example.edu"},
		},
		"body": map[string]any{"contentType": bodyType, "content": body},
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("ConsistencyLevel"); got != "eventual" {
			t.Errorf("ConsistencyLevel = %q", got)
		}
		if got := r.URL.Query().Get("$top"); got != "25" {
			t.Errorf("$top = %q, want 25", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				sampleMessage("m-1", "Free Pizza", "text", "Pizza at noon."),
				sampleMessage("m-2", "Bagels", "html", "<p>Bagels &amp; coffee<br>in the kitchen</p>"),
			},
		})
	}))
	t.Cleanup(srv.Close)

	c := New(StaticToken("tok"), "me")
	c.baseURL = srv.URL

	msgs, err := c.Search(context.Background(), "pizza OR lunch", 25)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "m-1" || msgs[0].Sender != "events@example.edu" {
		t.Errorf("message = %+v", msgs[0])
	}
	if msgs[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt not parsed")
	}
	if msgs[1].Body != "Bagels & coffee in the kitchen" {
		t.Errorf("html body = %q", msgs[1].Body)
	}
}

func TestSearch_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{sampleMessage("m-1", "s", "text", "b")},
		})
	}))
	t.Cleanup(srv.Close)

	c := New(StaticToken("tok"), "me")
	c.baseURL = srv.URL

	msgs, err := c.Search(context.Background(), "q", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if calls.Load() < 2 {
		t.Errorf("calls = %d, want a retry after 503", calls.Load())
	}
}

func TestSearch_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := New(StaticToken("tok"), "me")
	c.baseURL = srv.URL

	if _, err := c.Search(context.Background(), "q", 10); err == nil {
		t.Fatal("expected error on 401")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestStripHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"tags to spaces", "<p>Free pizza<br>at noon</p>", "Free pizza at noon"},
		{"drops script", "<script>var x=1;</script>lunch", "lunch"},
		{"drops style", "<style>p{}</style>snacks", "snacks"},
		{"entities", "coffee &amp; donuts", "coffee & donuts"},
		{"plain", "no markup here", "no markup here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := stripHTML(tt.in); got != tt.want {
				t.Errorf("stripHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
