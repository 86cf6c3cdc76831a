// Package gemini implements the semantic filtering capability on the
// Gemini generateContent REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client implements pipeline.Classifier against the Gemini API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Gemini client with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type request struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type response struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Classify asks whether the message is a genuine invitation with food
// provided. The model answers a single YES/NO line with a confidence.
func (c *Client) Classify(ctx context.Context, subject, body, sender string) (*pipeline.Classification, error) {
	text, err := c.generate(ctx, buildPrompt(subject, body, sender))
	if err != nil {
		return nil, err
	}
	return parseAnswer(text), nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(request{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

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
		return "", fmt.Errorf("gemini: %w", pipeline.ErrThrottled)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini api error %d: %s", resp.StatusCode, string(respBody))
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

func buildPrompt(subject, body, sender string) string {
	if len(body) > 800 {
		body = body[:800]
	}

	var b strings.Builder
	b.WriteString("Is this email a genuine invitation to an internal event where FOOD, DRINKS or REFRESHMENTS are PROVIDED?\n")
	b.WriteString("Answer on a single line: YES or NO, then a confidence between 0.0 and 1.0. Example: \"YES 0.9\".\n\n")
	fmt.Fprintf(&b, "Sender: %s\n", sender)
	fmt.Fprintf(&b, "Subject: %s\n\n", subject)
	fmt.Fprintf(&b, "Email: %s\n\n", body)
	b.WriteString(`Only answer YES if food, drinks or refreshments are explicitly provided (not "bring your own lunch").
Event titles like "Coffee Social", "Pizza Party" or "Halloween Party" with treats count as YES.
Marketing emails, external promotions and events without food are NO.

Answer:`)
	return b.String()
}

// parseAnswer reads the YES/NO line. A missing or unparsable confidence
// defaults to 1.0 so a terse but clear answer still passes the filter.
func parseAnswer(text string) *pipeline.Classification {
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
