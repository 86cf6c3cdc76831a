// Package cohere implements the structured extraction capability on
// the Cohere chat API.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

const defaultBaseURL = "https://api.cohere.com"

// Client implements pipeline.Extractor against the Cohere chat API.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// New creates a Cohere client with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		apiKey:      apiKey,
		model:       model,
		baseURL:     defaultBaseURL,
		temperature: 0.3,
		maxTokens:   1500,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// extractionPayload mirrors the JSON shape the prompt demands.
type extractionPayload struct {
	HasFoodEvent bool                 `json:"has_food_event"`
	Events       []pipeline.Candidate `json:"events"`
}

// Extract sends one message through the extraction prompt and parses
// the structured reply. An HTTP 429 maps to pipeline.ErrThrottled.
func (c *Client) Extract(ctx context.Context, req *pipeline.ExtractRequest) (*pipeline.Extraction, error) {
	text, err := c.chat(ctx, buildPrompt(req))
	if err != nil {
		return nil, err
	}

	payload, err := parsePayload(text)
	if err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}

	return &pipeline.Extraction{
		HasEvent:   payload.HasFoodEvent,
		Candidates: payload.Events,
		Raw:        text,
	}, nil
}

func (c *Client) chat(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("cohere: %w", pipeline.ErrThrottled)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cohere api error %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	for _, block := range out.Message.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("cohere: empty response")
}

// buildPrompt anchors relative-date language on the reference time so
// "tomorrow" and "next Monday" resolve to concrete dates.
func buildPrompt(req *pipeline.ExtractRequest) string {
	today := req.Reference
	if today.IsZero() {
		today = time.Now()
	}

	body := req.Body
	if len(body) > 3000 {
		body = body[:3000]
	}

	tomorrow := today.AddDate(0, 0, 1)
	daysUntilMonday := (int(time.Monday) - int(today.Weekday()) + 7) % 7
	if daysUntilMonday == 0 {
		daysUntilMonday = 7
	}
	nextMonday := today.AddDate(0, 0, daysUntilMonday)

	var b strings.Builder
	b.WriteString("You are an assistant that extracts event information from emails.\n\n")
	fmt.Fprintf(&b, "CONTEXT:\n- Today is %s (%s)\n", today.Format("2006-01-02"), today.Weekday())
	b.WriteString("- You are looking for events where FREE FOOD, catering or meals are provided\n\n")
	fmt.Fprintf(&b, "EMAIL TO ANALYZE:\nSubject: %s\n```\n%s\n```\n\n", req.Subject, body)
	b.WriteString(`TASK:
Extract ALL events where food is provided. Return ONLY valid JSON.

OUTPUT FORMAT:
{
  "has_food_event": true,
  "events": [
    {
      "event_name": "Weekly Team Standup",
      "date": "2026-09-01",
      "time": "14:00",
      "end_time": "15:00",
      "location": "Conference Room A",
      "food_type": "pizza",
      "confidence": 0.95,
      "reasoning": "Email states pizza will be provided at 2pm in Conf Room A"
    }
  ]
}

RULES:
`)
	fmt.Fprintf(&b, "1. Convert relative dates to absolute: \"tomorrow\" is %s, \"next Monday\" is %s.\n",
		tomorrow.Format("2006-01-02"), nextMonday.Format("2006-01-02"))
	b.WriteString(`2. Convert times to 24-hour HH:MM ("2pm" is "14:00", "noon" is "12:00"). If no end time, add one hour.
3. Classify food_type: pizza, tacos, sandwiches, breakfast, lunch, dinner, snacks, coffee, donuts, bbq, or "catering".
4. Score confidence between 0 and 1; omit events below 0.5.
5. Include a brief quote from the email in reasoning.
6. If no food events: {"has_food_event": false, "events": []}
7. Use "unknown" for missing fields, never null.
8. Ignore events without food, "bring your own lunch", past events and cancelled events.

Return ONLY the JSON object, no markdown formatting or extra text.`)
	return b.String()
}

// parsePayload tolerates the model wrapping its JSON in a markdown
// fence or surrounding prose.
func parsePayload(text string) (*extractionPayload, error) {
	var p extractionPayload
	if err := json.Unmarshal([]byte(text), &p); err == nil {
		return &p, nil
	}

	if inner, ok := insideFence(text); ok {
		if err := json.Unmarshal([]byte(inner), &p); err == nil {
			return &p, nil
		}
	}

	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &p); err == nil {
			return &p, nil
		}
	}

	return nil, fmt.Errorf("no JSON object in response")
}

func insideFence(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	rest = strings.TrimPrefix(rest, "json")
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
