// Package slack announces finished mailbox scans via Slack incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/forager/internal/pipeline"
)

const (
	httpTimeout = 10 * time.Second

	// Slack caps a message at 50 blocks; each event takes one section.
	maxEventBlocks = 20
)

// Notifier posts scan summaries to a Slack webhook. It implements
// pipeline.Notifier. Delivery is best effort: failures are logged and
// never affect scan state.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, ScanFinished
// is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// ScanFinished posts the scan summary and any newly accepted events to
// the configured webhook.
func (n *Notifier) ScanFinished(ctx context.Context, sum *pipeline.ScanSummary, accepted []*pipeline.Event) {
	if n.webhookURL == "" {
		return
	}

	body, err := json.Marshal(buildMessage(sum, accepted))
	if err != nil {
		n.logger.Warn(ctx, "slack: marshal message", "error", err, "scan_id", sum.ID)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn(ctx, "slack: create request", "error", err, "scan_id", sum.ID)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		n.logger.Warn(ctx, "slack: post webhook", "error", err, "scan_id", sum.ID)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		n.logger.Warn(ctx, "slack: webhook rejected message",
			"status", resp.StatusCode,
			"body", string(respBody),
			"scan_id", sum.ID,
		)
	}
}

func buildMessage(sum *pipeline.ScanSummary, accepted []*pipeline.Event) map[string]any {
	blocks := []map[string]any{
		headerBlock(sum, accepted),
		{"type": "divider"},
		fieldsBlock(sum),
	}

	if len(accepted) > 0 {
		blocks = append(blocks, map[string]any{"type": "divider"})
		shown := accepted
		if len(shown) > maxEventBlocks {
			shown = shown[:maxEventBlocks]
		}
		for _, ev := range shown {
			blocks = append(blocks, eventBlock(ev))
		}
		if extra := len(accepted) - len(shown); extra > 0 {
			blocks = append(blocks, map[string]any{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": fmt.Sprintf("_…and %d more_", extra),
				},
			})
		}
	}

	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(sum))
	return map[string]any{"blocks": blocks}
}

func headerBlock(sum *pipeline.ScanSummary, accepted []*pipeline.Event) map[string]any {
	var text string
	switch {
	case len(accepted) == 1:
		text = "\U0001f355 1 free food event found"
	case len(accepted) > 1:
		text = fmt.Sprintf("\U0001f355 %d free food events found", len(accepted))
	case sum.BudgetExhausted:
		text = "⏸️ Scan paused: daily budget exhausted"
	default:
		text = "\U0001f4ed Scan complete: no new events"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": text},
	}
}

func fieldsBlock(sum *pipeline.ScanSummary) map[string]any {
	rejected := sum.RejectedHeuristic + sum.RejectedSemantic
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Scanned:* %d", sum.Scanned)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Accepted:* %d", sum.Accepted)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Published:* %d", sum.Published)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Rejected:* %d", rejected)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Deferred:* %d", sum.Deferred)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Failed:* %d", sum.Failed)},
	}
	return map[string]any{"type": "section", "fields": fields}
}

func eventBlock(ev *pipeline.Event) map[string]any {
	var b strings.Builder
	if ev.CalendarLink != "" {
		fmt.Fprintf(&b, "*<%s|%s>*", ev.CalendarLink, ev.Name)
	} else {
		fmt.Fprintf(&b, "*%s*", ev.Name)
	}
	fmt.Fprintf(&b, "\n%s", ev.Date)
	if ev.Time != "" {
		fmt.Fprintf(&b, " at %s", ev.Time)
	}
	if ev.Location != "" {
		fmt.Fprintf(&b, " • %s", ev.Location)
	}
	if ev.FoodType != "" {
		fmt.Fprintf(&b, "\n\U0001f374 %s", ev.FoodType)
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": b.String()},
	}
}

func contextBlock(sum *pipeline.ScanSummary) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("forager • scan %s • %s", sum.ID, sum.FinishedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
	return map[string]any{"type": "context", "elements": elements}
}
