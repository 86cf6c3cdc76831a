// Package google publishes accepted events to Google Calendar through
// the Calendar v3 REST API.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

const defaultBaseURL = "https://www.googleapis.com/calendar/v3"

// sourceIDProperty keys the private extended property that carries the
// originating mail message ID. The duplicate probe matches on it, so a
// re-publish of the same message returns the existing calendar entry
// instead of inserting a second one.
const sourceIDProperty = "foragerSourceMessageId"

// TokenSource supplies a bearer token for Calendar API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client creates calendar events for accepted food events. It
// implements pipeline.Publisher.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource

	baseURL    string
	calendarID string
	timezone   string
}

// New returns a Calendar client writing to the given calendar.
// An empty calendarID selects the authenticated user's primary
// calendar, and an empty timezone falls back to UTC.
func New(tokens TokenSource, calendarID, timezone string) *Client {
	if calendarID == "" {
		calendarID = "primary"
	}
	if timezone == "" {
		timezone = "UTC"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		baseURL:    defaultBaseURL,
		calendarID: calendarID,
		timezone:   timezone,
	}
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type reminderOverride struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

type reminders struct {
	UseDefault bool               `json:"useDefault"`
	Overrides  []reminderOverride `json:"overrides,omitempty"`
}

type extendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

type calendarEvent struct {
	ID          string              `json:"id,omitempty"`
	Summary     string              `json:"summary"`
	Location    string              `json:"location,omitempty"`
	Description string              `json:"description,omitempty"`
	Start       eventTime           `json:"start"`
	End         eventTime           `json:"end"`
	Reminders   *reminders          `json:"reminders,omitempty"`
	Extended    *extendedProperties `json:"extendedProperties,omitempty"`
	HTMLLink    string              `json:"htmlLink,omitempty"`
}

type eventList struct {
	Items []calendarEvent `json:"items"`
}

// Publish inserts a calendar event for ev. It first probes for an
// existing entry tagged with the same source message ID and returns
// that entry's reference when one is found.
func (c *Client) Publish(ctx context.Context, ev *pipeline.Event) (*pipeline.PublishRef, error) {
	if existing, err := c.findBySource(ctx, ev.SourceMessageID); err != nil {
		return nil, err
	} else if existing != nil {
		return &pipeline.PublishRef{ID: existing.ID, Link: existing.HTMLLink}, nil
	}

	start, end := c.eventWindow(ev)
	body := calendarEvent{
		Summary:     "🍕 " + ev.Name,
		Location:    ev.Location,
		Description: c.description(ev),
		Start:       eventTime{DateTime: start, TimeZone: c.timezone},
		End:         eventTime{DateTime: end, TimeZone: c.timezone},
		Reminders: &reminders{
			Overrides: []reminderOverride{{Method: "popup", Minutes: 30}},
		},
		Extended: &extendedProperties{
			Private: map[string]string{sourceIDProperty: ev.SourceMessageID},
		},
	}

	var created calendarEvent
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(c.calendarID))
	if err := c.do(ctx, http.MethodPost, path, nil, body, &created); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &pipeline.PublishRef{ID: created.ID, Link: created.HTMLLink}, nil
}

func (c *Client) findBySource(ctx context.Context, messageID string) (*calendarEvent, error) {
	if messageID == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set("privateExtendedProperty", sourceIDProperty+"="+messageID)
	q.Set("maxResults", "1")

	var list eventList
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(c.calendarID))
	if err := c.do(ctx, http.MethodGet, path, q, nil, &list); err != nil {
		return nil, fmt.Errorf("probe for existing event: %w", err)
	}
	if len(list.Items) == 0 {
		return nil, nil
	}
	return &list.Items[0], nil
}

// eventWindow renders the start and end timestamps the Calendar API
// expects: a zone-less local datetime paired with the configured
// timeZone field. Events without a start time default to noon, and
// events without an end time run for one hour.
func (c *Client) eventWindow(ev *pipeline.Event) (start, end string) {
	startClock := ev.Time
	if startClock == "" {
		startClock = "12:00"
	}
	start = ev.Date + "T" + startClock + ":00"

	if ev.EndTime != "" {
		return start, ev.Date + "T" + ev.EndTime + ":00"
	}
	t, err := time.Parse("2006-01-02T15:04", ev.Date+"T"+startClock)
	if err != nil {
		return start, start
	}
	return start, t.Add(time.Hour).Format("2006-01-02T15:04") + ":00"
}

func (c *Client) description(ev *pipeline.Event) string {
	desc := ev.Reasoning
	if ev.FoodType != "" {
		if desc != "" {
			desc += "\n\n"
		}
		desc += "🍴 Food: " + ev.FoodType
	}
	return desc
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calendar api status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
