// Package graph reads mailbox messages through the Microsoft Graph
// API. It implements pipeline.Source.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/linnemanlabs/forager/internal/mail"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// TokenSource yields a valid bearer token for Graph calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client searches a mailbox via Microsoft Graph.
type Client struct {
	tokens     TokenSource
	baseURL    string
	mailbox    string // "me" or "users/{id}"
	httpClient *http.Client
}

// New creates a Graph mailbox client. mailbox is "me" for the signed-in
// user or "users/<principal>" for application access.
func New(tokens TokenSource, mailbox string) *Client {
	if mailbox == "" {
		mailbox = "me"
	}
	return &Client{
		tokens:  tokens,
		baseURL: defaultBaseURL,
		mailbox: mailbox,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type listResponse struct {
	Value []graphMessage `json:"value"`
}

type graphMessage struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	ReceivedDateTime string `json:"receivedDateTime"`
	BodyPreview      string `json:"bodyPreview"`
	From             struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

// Search runs a full-text $search over the mailbox and returns up to
// max messages. Transient Graph failures are retried with exponential
// backoff; 4xx responses are permanent.
func (c *Client) Search(ctx context.Context, query string, max int) ([]mail.Message, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph token: %w", err)
	}

	params := url.Values{}
	params.Set("$search", strconv.Quote(query))
	params.Set("$select", "id,subject,from,receivedDateTime,bodyPreview,body")
	params.Set("$top", strconv.Itoa(max))
	endpoint := fmt.Sprintf("%s/%s/messages?%s", c.baseURL, c.mailbox, params.Encode())

	var out listResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("ConsistencyLevel", "eventual")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("graph request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("graph api error %d: %s", resp.StatusCode, string(body))
		default:
			return backoff.Permanent(fmt.Errorf("graph api error %d: %s", resp.StatusCode, string(body)))
		}

		out = listResponse{}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	msgs := make([]mail.Message, 0, len(out.Value))
	for _, m := range out.Value {
		msgs = append(msgs, toMessage(&m))
	}
	return msgs, nil
}

func toMessage(m *graphMessage) mail.Message {
	body := m.Body.Content
	if strings.EqualFold(m.Body.ContentType, "html") {
		body = stripHTML(body)
	}
	if strings.TrimSpace(body) == "" {
		body = m.BodyPreview
	}

	received, _ := time.Parse(time.RFC3339, m.ReceivedDateTime)

	return mail.Message{
		ID:         m.ID,
		Subject:    m.Subject,
		Body:       body,
		Sender:     m.From.EmailAddress.Address,
		ReceivedAt: received,
	}
}

// stripHTML reduces an HTML body to its visible text. Scripts and
// styles are dropped entirely; tags become whitespace so words don't
// run together.
func stripHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inTag := false
	skipDepth := 0
	lower := strings.ToLower(s)

	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '<':
			inTag = true
			if strings.HasPrefix(lower[i:], "<script") || strings.HasPrefix(lower[i:], "<style") {
				skipDepth++
			}
			if strings.HasPrefix(lower[i:], "</script") || strings.HasPrefix(lower[i:], "</style") {
				if skipDepth > 0 {
					skipDepth--
				}
			}
		case s[i] == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag && skipDepth == 0:
			b.WriteByte(s[i])
		}
	}

	return strings.Join(strings.Fields(decodeEntities(b.String())), " ")
}

// decodeEntities handles the handful of entities Graph bodies actually
// contain.
func decodeEntities(s string) string {
	r := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	return r.Replace(s)
}
