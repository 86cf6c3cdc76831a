package cfg

import (
	"flag"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		Provider:              ProviderSplit,
		GeminiAPIKey:          "g-key",
		GeminiModel:           "gemini-2.0-flash",
		CohereAPIKey:          "c-key",
		CohereModel:           "command-r-plus-08-2024",
		DailyBudget:           15,
		MinConfidence:         0.7,
		SemanticThreshold:     0.5,
		SpamThresholdStrict:   1,
		SpamThresholdLenient:  2,
		SearchQuery:           "free food",
		MaxMessagesPerScan:    50,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.Provider != ProviderSplit {
		t.Errorf("Provider = %q, want %q", c.Provider, ProviderSplit)
	}
	if c.DailyBudget != 15 {
		t.Errorf("DailyBudget = %d, want 15", c.DailyBudget)
	}
	if c.MinCallIntervalSeconds != 10 {
		t.Errorf("MinCallIntervalSeconds = %d, want 10", c.MinCallIntervalSeconds)
	}
	if c.ThrottleBackoffSeconds != 60 {
		t.Errorf("ThrottleBackoffSeconds = %d, want 60", c.ThrottleBackoffSeconds)
	}
	if c.MinConfidence != 0.7 {
		t.Errorf("MinConfidence = %g, want 0.7", c.MinConfidence)
	}
	if c.MaxMessagesPerScan != 50 {
		t.Errorf("MaxMessagesPerScan = %d, want 50", c.MaxMessagesPerScan)
	}
	if c.GoogleCalendarID != "primary" {
		t.Errorf("GoogleCalendarID = %q, want primary", c.GoogleCalendarID)
	}
	if c.ScanIntervalMins != 0 {
		t.Errorf("ScanIntervalMins = %d, want 0", c.ScanIntervalMins)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-provider", "claude",
		"-claude-api-key", "sk-override",
		"-daily-budget", "30",
		"-min-call-interval", "5",
		"-min-confidence", "0.85",
		"-search-query", "catered lunch",
		"-scan-interval", "30",
		"-sqlite-path", "/var/lib/forager/forager.db",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.Provider != ProviderClaude {
		t.Errorf("Provider = %q, want claude", c.Provider)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want sk-override", c.ClaudeAPIKey)
	}
	if c.DailyBudget != 30 {
		t.Errorf("DailyBudget = %d, want 30", c.DailyBudget)
	}
	if c.MinCallIntervalSeconds != 5 {
		t.Errorf("MinCallIntervalSeconds = %d, want 5", c.MinCallIntervalSeconds)
	}
	if c.MinConfidence != 0.85 {
		t.Errorf("MinConfidence = %g, want 0.85", c.MinConfidence)
	}
	if c.SearchQuery != "catered lunch" {
		t.Errorf("SearchQuery = %q, want %q", c.SearchQuery, "catered lunch")
	}
	if c.ScanIntervalMins != 30 {
		t.Errorf("ScanIntervalMins = %d, want 30", c.ScanIntervalMins)
	}
	if c.SQLitePath != "/var/lib/forager/forager.db" {
		t.Errorf("SQLitePath = %q", c.SQLitePath)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	mutate := func(fn func(*Config)) Config {
		c := validBase()
		fn(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "base is valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "claude provider valid",
			cfg: mutate(func(c *Config) {
				c.Provider = ProviderClaude
				c.ClaudeAPIKey = "sk-test"
				c.GeminiAPIKey = ""
				c.CohereAPIKey = ""
			}),
			wantErr: false,
		},
		{
			name:      "drain zero",
			cfg:       mutate(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "shutdown budget not greater than drain",
			cfg:       mutate(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS", "DRAIN_SECONDS"},
		},
		{
			name:      "port out of range",
			cfg:       mutate(func(c *Config) { c.APIPort = 70000 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "unknown provider",
			cfg:       mutate(func(c *Config) { c.Provider = "gpt" }),
			wantErr:   true,
			errSubstr: []string{"PROVIDER"},
		},
		{
			name:      "split provider missing gemini key",
			cfg:       mutate(func(c *Config) { c.GeminiAPIKey = "" }),
			wantErr:   true,
			errSubstr: []string{"GEMINI_API_KEY"},
		},
		{
			name:      "split provider missing cohere key",
			cfg:       mutate(func(c *Config) { c.CohereAPIKey = "" }),
			wantErr:   true,
			errSubstr: []string{"COHERE_API_KEY"},
		},
		{
			name: "claude provider missing key",
			cfg: mutate(func(c *Config) {
				c.Provider = ProviderClaude
				c.ClaudeAPIKey = ""
			}),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_API_KEY"},
		},
		{
			name:      "negative daily budget",
			cfg:       mutate(func(c *Config) { c.DailyBudget = -1 }),
			wantErr:   true,
			errSubstr: []string{"DAILY_BUDGET"},
		},
		{
			name:    "zero daily budget disables tier 3",
			cfg:     mutate(func(c *Config) { c.DailyBudget = 0 }),
			wantErr: false,
		},
		{
			name:      "confidence above one",
			cfg:       mutate(func(c *Config) { c.MinConfidence = 1.2 }),
			wantErr:   true,
			errSubstr: []string{"MIN_CONFIDENCE"},
		},
		{
			name:      "semantic threshold negative",
			cfg:       mutate(func(c *Config) { c.SemanticThreshold = -0.1 }),
			wantErr:   true,
			errSubstr: []string{"SEMANTIC_THRESHOLD"},
		},
		{
			name:      "lenient below strict",
			cfg:       mutate(func(c *Config) { c.SpamThresholdLenient = 0 }),
			wantErr:   true,
			errSubstr: []string{"SPAM_THRESHOLD_LENIENT"},
		},
		{
			name:      "empty search query",
			cfg:       mutate(func(c *Config) { c.SearchQuery = "" }),
			wantErr:   true,
			errSubstr: []string{"SEARCH_QUERY"},
		},
		{
			name:      "max messages too large",
			cfg:       mutate(func(c *Config) { c.MaxMessagesPerScan = 1000 }),
			wantErr:   true,
			errSubstr: []string{"MAX_MESSAGES_PER_SCAN"},
		},
		{
			name:      "partial graph credentials",
			cfg:       mutate(func(c *Config) { c.GraphTenantID = "tenant" }),
			wantErr:   true,
			errSubstr: []string{"GRAPH_TENANT_ID"},
		},
		{
			name: "complete graph credentials",
			cfg: mutate(func(c *Config) {
				c.GraphTenantID = "tenant"
				c.GraphClientID = "client"
				c.GraphClientSecret = "secret"
			}),
			wantErr: false,
		},
		{
			name:      "refresh token without client secret",
			cfg:       mutate(func(c *Config) { c.GoogleRefreshToken = "rt" }),
			wantErr:   true,
			errSubstr: []string{"GOOGLE_CLIENT_ID"},
		},
		{
			name: "multiple errors joined",
			cfg: mutate(func(c *Config) {
				c.DrainSeconds = 0
				c.SearchQuery = ""
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SEARCH_QUERY"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			for _, substr := range tt.errSubstr {
				if !strings.Contains(err.Error(), substr) {
					t.Errorf("error %q does not mention %q", err, substr)
				}
			}
		})
	}
}
