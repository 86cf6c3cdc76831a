// Package claude implements both the semantic filtering and the
// structured extraction capabilities on the Anthropic API, as an
// alternative to the Gemini/Cohere pair when only one provider is
// configured.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

// Client implements pipeline.Classifier and pipeline.Extractor against
// the Anthropic API.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a Claude client with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Classify answers whether the message is a genuine invitation with
// food provided.
func (c *Client) Classify(ctx context.Context, subject, body, sender string) (*pipeline.Classification, error) {
	text, err := c.complete(ctx, classifyPrompt(subject, body, sender), 16)
	if err != nil {
		return nil, err
	}
	return parseYesNo(text), nil
}

// Extract pulls structured event candidates out of one message.
func (c *Client) Extract(ctx context.Context, req *pipeline.ExtractRequest) (*pipeline.Extraction, error) {
	text, err := c.complete(ctx, extractPrompt(req), 1500)
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

func (c *Client) complete(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("claude: %w", pipeline.ErrThrottled)
		}
		return "", fmt.Errorf("claude: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("claude: empty response")
}

func classifyPrompt(subject, body, sender string) string {
	if len(body) > 800 {
		body = body[:800]
	}
	var b strings.Builder
	b.WriteString("Is this email a genuine invitation to an internal event where FOOD, DRINKS or REFRESHMENTS are PROVIDED?\n")
	b.WriteString("Answer on a single line: YES or NO, then a confidence between 0.0 and 1.0. Example: \"YES 0.9\".\n\n")
	fmt.Fprintf(&b, "Sender: %s\nSubject: %s\n\nEmail: %s\n\n", sender, subject, body)
	b.WriteString(`Only answer YES if food is explicitly provided (not "bring your own lunch").

Answer:`)
	return b.String()
}

func extractPrompt(req *pipeline.ExtractRequest) string {
	today := req.Reference
	if today.IsZero() {
		today = time.Now()
	}
	body := req.Body
	if len(body) > 3000 {
		body = body[:3000]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s (%s). Extract ALL events from this email where free food is provided.\n\n", today.Format("2006-01-02"), today.Weekday())
	fmt.Fprintf(&b, "Subject: %s\n```\n%s\n```\n\n", req.Subject, body)
	b.WriteString(`Return ONLY valid JSON in this shape:
{"has_food_event": true, "events": [{"event_name": "...", "date": "YYYY-MM-DD", "time": "HH:MM", "end_time": "HH:MM", "location": "...", "food_type": "...", "confidence": 0.9, "reasoning": "..."}]}

Convert relative dates to absolute and times to 24-hour HH:MM. Use "unknown" for missing fields. If no food events: {"has_food_event": false, "events": []}.`)
	return b.String()
}

type extractionPayload struct {
	HasFoodEvent bool                 `json:"has_food_event"`
	Events       []pipeline.Candidate `json:"events"`
}

func parsePayload(text string) (*extractionPayload, error) {
	var p extractionPayload
	if err := json.Unmarshal([]byte(text), &p); err == nil {
		return &p, nil
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &p); err == nil {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("no JSON object in response")
}

func parseYesNo(text string) *pipeline.Classification {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))

	cl := &pipeline.Classification{Confidence: 1.0}
	for _, f := range fields {
		if strings.Contains(f, "yes") {
			cl.Provided = true
			break
		}
		if strings.Contains(f, "no") {
			break
		}
	}
	for _, f := range fields {
		if v, err := strconv.ParseFloat(strings.Trim(f, ".,"), 64); err == nil && v >= 0 && v <= 1 {
			cl.Confidence = v
			break
		}
	}
	return cl
}
