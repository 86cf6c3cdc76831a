// Package cfg holds forager's application-level configuration.
package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Provider selections for the classification and extraction tiers.
const (
	ProviderSplit  = "gemini-cohere" // Gemini classifies, Cohere extracts
	ProviderClaude = "claude"        // Claude does both
)

// Config adds forager-specific configuration fields to the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	Provider     string
	GeminiAPIKey string
	GeminiModel  string
	CohereAPIKey string
	CohereModel  string
	ClaudeAPIKey string
	ClaudeModel  string

	DailyBudget            int
	MinCallIntervalSeconds int
	ThrottleBackoffSeconds int
	MinConfidence          float64
	SemanticThreshold      float64
	SpamThresholdStrict    int
	SpamThresholdLenient   int

	SearchQuery        string
	MaxMessagesPerScan int
	ScanIntervalMins   int

	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphMailbox      string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRefreshToken string
	GoogleCalendarID   string
	CalendarTimezone   string

	DatabaseURL     string
	SQLitePath      string
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = no auth)")

	fs.StringVar(&c.Provider, "provider", ProviderSplit, "LLM provider wiring: gemini-cohere or claude")
	fs.StringVar(&c.GeminiAPIKey, "gemini-api-key", "", "API key for the Gemini classifier")
	fs.StringVar(&c.GeminiModel, "gemini-model", "gemini-2.0-flash", "Gemini model for semantic filtering")
	fs.StringVar(&c.CohereAPIKey, "cohere-api-key", "", "API key for the Cohere extractor")
	fs.StringVar(&c.CohereModel, "cohere-model", "command-r-plus-08-2024", "Cohere model for event extraction")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for classification and extraction")

	fs.IntVar(&c.DailyBudget, "daily-budget", 15, "max successful extraction calls per local day (0 disables Tier 3)")
	fs.IntVar(&c.MinCallIntervalSeconds, "min-call-interval", 10, "minimum seconds between extraction calls")
	fs.IntVar(&c.ThrottleBackoffSeconds, "throttle-backoff", 60, "cooldown seconds after the provider reports rate limiting")
	fs.Float64Var(&c.MinConfidence, "min-confidence", 0.7, "extraction confidence cutoff in [0,1]; below is treated as no event")
	fs.Float64Var(&c.SemanticThreshold, "semantic-threshold", 0.5, "semantic filter confidence threshold in [0,1]")
	fs.IntVar(&c.SpamThresholdStrict, "spam-threshold-strict", 1, "spam score above this rejects messages without food terms")
	fs.IntVar(&c.SpamThresholdLenient, "spam-threshold-lenient", 2, "spam score above this rejects messages with food terms in the body")

	fs.StringVar(&c.SearchQuery, "search-query", "free food OR pizza OR lunch provided", "mailbox search query for each scan")
	fs.IntVar(&c.MaxMessagesPerScan, "max-messages-per-scan", 50, "upper bound on messages fetched per scan (1..500)")
	fs.IntVar(&c.ScanIntervalMins, "scan-interval", 0, "minutes between automatic scans (0 = API-triggered only)")

	fs.StringVar(&c.GraphTenantID, "graph-tenant-id", "", "Microsoft Graph tenant ID")
	fs.StringVar(&c.GraphClientID, "graph-client-id", "", "Microsoft Graph client ID")
	fs.StringVar(&c.GraphClientSecret, "graph-client-secret", "", "Microsoft Graph client secret")
	fs.StringVar(&c.GraphMailbox, "graph-mailbox", "", "mailbox to scan (empty = the authenticated user)")

	fs.StringVar(&c.GoogleClientID, "google-client-id", "", "Google OAuth client ID for calendar publishing")
	fs.StringVar(&c.GoogleClientSecret, "google-client-secret", "", "Google OAuth client secret")
	fs.StringVar(&c.GoogleRefreshToken, "google-refresh-token", "", "Google OAuth refresh token (empty = publishing disabled)")
	fs.StringVar(&c.GoogleCalendarID, "google-calendar-id", "primary", "target Google calendar")
	fs.StringVar(&c.CalendarTimezone, "calendar-timezone", "UTC", "IANA timezone for published events")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = sqlite or in-memory store)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database path (used when database-url is empty; empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for scan notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.Provider {
	case ProviderSplit:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for provider gemini-cohere"))
		}
		if c.CohereAPIKey == "" {
			errs = append(errs, errors.New("COHERE_API_KEY is required for provider gemini-cohere"))
		}
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for provider claude"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid PROVIDER %q (must be %s or %s)", c.Provider, ProviderSplit, ProviderClaude))
	}

	if c.DailyBudget < 0 {
		errs = append(errs, fmt.Errorf("invalid DAILY_BUDGET %d (must be >= 0)", c.DailyBudget))
	}
	if c.MinCallIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid MIN_CALL_INTERVAL %d (must be >= 0)", c.MinCallIntervalSeconds))
	}
	if c.ThrottleBackoffSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid THROTTLE_BACKOFF %d (must be >= 0)", c.ThrottleBackoffSeconds))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("invalid MIN_CONFIDENCE %g (must be in [0,1])", c.MinConfidence))
	}
	if c.SemanticThreshold < 0 || c.SemanticThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid SEMANTIC_THRESHOLD %g (must be in [0,1])", c.SemanticThreshold))
	}
	if c.SpamThresholdStrict < 0 {
		errs = append(errs, fmt.Errorf("invalid SPAM_THRESHOLD_STRICT %d (must be >= 0)", c.SpamThresholdStrict))
	}
	if c.SpamThresholdLenient < c.SpamThresholdStrict {
		errs = append(errs, fmt.Errorf("SPAM_THRESHOLD_LENIENT %d must be >= SPAM_THRESHOLD_STRICT %d", c.SpamThresholdLenient, c.SpamThresholdStrict))
	}

	if c.SearchQuery == "" {
		errs = append(errs, errors.New("SEARCH_QUERY is required"))
	}
	if c.MaxMessagesPerScan <= 0 || c.MaxMessagesPerScan > 500 {
		errs = append(errs, fmt.Errorf("invalid MAX_MESSAGES_PER_SCAN %d (must be 1..500)", c.MaxMessagesPerScan))
	}
	if c.ScanIntervalMins < 0 {
		errs = append(errs, fmt.Errorf("invalid SCAN_INTERVAL %d (must be >= 0)", c.ScanIntervalMins))
	}

	// Mailbox credentials travel together
	if c.GraphTenantID != "" || c.GraphClientID != "" || c.GraphClientSecret != "" {
		if c.GraphTenantID == "" || c.GraphClientID == "" || c.GraphClientSecret == "" {
			errs = append(errs, errors.New("GRAPH_TENANT_ID, GRAPH_CLIENT_ID, and GRAPH_CLIENT_SECRET must all be set together"))
		}
	}

	// Calendar credentials travel together
	if c.GoogleRefreshToken != "" {
		if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
			errs = append(errs, errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required when GOOGLE_REFRESH_TOKEN is set"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
