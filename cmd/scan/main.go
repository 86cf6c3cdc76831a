// Command scan runs a single mailbox scan from the terminal and prints
// the summary. Intended for cron jobs and local testing; the long-lived
// server lives in cmd/server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/forager/internal/calendar/google"
	fc "github.com/linnemanlabs/forager/internal/cfg"
	"github.com/linnemanlabs/forager/internal/llm/claude"
	"github.com/linnemanlabs/forager/internal/llm/cohere"
	"github.com/linnemanlabs/forager/internal/llm/gemini"
	"github.com/linnemanlabs/forager/internal/mailbox/graph"
	"github.com/linnemanlabs/forager/internal/notify/slack"
	"github.com/linnemanlabs/forager/internal/pipeline"
	"github.com/linnemanlabs/forager/internal/pipeline/memstore"
	"github.com/linnemanlabs/forager/internal/pipeline/pgstore"
	"github.com/linnemanlabs/forager/internal/pipeline/sqlitestore"
)

const screenParallelism = 4

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Local convenience; absent .env just means real env vars.
	_ = godotenv.Load()

	var (
		appCfg fc.Config
		logCfg log.Config
	)
	appCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	noPublish := flag.Bool("no-publish", false, "Skip calendar publishing; accepted events land in the ledger only")
	flag.Parse()

	cfg.FillFromEnv(flag.CommandLine, "FORAGER_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(appCfg.Validate(), logCfg.Validate()); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	lg, err := log.New(logCfg.ToOptions("forager"))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "scan")
	ctx = log.WithContext(ctx, L)

	var store pipeline.Store
	switch {
	case appCfg.DatabaseURL != "":
		pgStore, err := pgstore.New(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		defer pgStore.Close()
		store = pgStore
	case appCfg.SQLitePath != "":
		sqlStore, err := sqlitestore.New(appCfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlitestore init: %w", err)
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
	default:
		// One-shot run against a throwaway store still exercises the
		// full pipeline, useful for dry runs.
		store = memstore.New()
		L.Warn(ctx, "no durable store configured, dedup resets every run")
	}

	var (
		classifier    pipeline.Classifier
		provider      pipeline.Extractor
		providerName  string
		providerModel string
	)
	if appCfg.Provider == fc.ProviderClaude {
		claudeClient := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
		classifier = claudeClient
		provider = claudeClient
		providerName = "claude"
		providerModel = appCfg.ClaudeModel
	} else {
		classifier = gemini.New(appCfg.GeminiAPIKey, appCfg.GeminiModel)
		provider = cohere.New(appCfg.CohereAPIKey, appCfg.CohereModel)
		providerName = "cohere"
		providerModel = appCfg.CohereModel
	}

	governor := pipeline.NewGovernor(pipeline.GovernorConfig{
		DailyBudget:     appCfg.DailyBudget,
		MinInterval:     time.Duration(appCfg.MinCallIntervalSeconds) * time.Second,
		ThrottleBackoff: time.Duration(appCfg.ThrottleBackoffSeconds) * time.Second,
	})
	if used, err := store.CallsOn(ctx, providerName, time.Now()); err != nil {
		L.Error(ctx, err, "failed to load today's provider usage, starting from zero")
	} else {
		governor.Seed(used, time.Now())
	}

	heuristic := pipeline.NewHeuristicFilter(pipeline.HeuristicConfig{
		SpamStrict:  appCfg.SpamThresholdStrict,
		SpamLenient: appCfg.SpamThresholdLenient,
	})
	semantic := pipeline.NewSemanticFilter(classifier, appCfg.SemanticThreshold, L)
	extractor := pipeline.NewBudgetedExtractor(provider, providerName, providerModel, governor, appCfg.MinConfidence, L, pipeline.Hooks{})

	var publisher pipeline.Publisher
	if *noPublish {
		L.Info(ctx, "calendar publishing disabled by flag")
	} else if appCfg.GoogleRefreshToken != "" {
		tokens := google.NewRefreshTokenSource(appCfg.GoogleClientID, appCfg.GoogleClientSecret, appCfg.GoogleRefreshToken)
		publisher = google.New(tokens, appCfg.GoogleCalendarID, appCfg.CalendarTimezone)
	}

	var notifier pipeline.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
	}

	graphTokens := graph.NewClientCredentials(appCfg.GraphTenantID, appCfg.GraphClientID, appCfg.GraphClientSecret)
	source := graph.New(graphTokens, appCfg.GraphMailbox)

	pipe := pipeline.NewPipeline(store, heuristic, semantic, extractor, publisher, L, pipeline.Hooks{}, screenParallelism)
	svc := pipeline.NewService(source, pipe, store, L, pipeline.Hooks{}, notifier, appCfg.SearchQuery, appCfg.MaxMessagesPerScan)

	sum, err := svc.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	fmt.Printf("scan %s finished in %s\n", sum.ID, sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	fmt.Printf("  scanned:            %d\n", sum.Scanned)
	fmt.Printf("  skipped:            %d\n", sum.Skipped)
	fmt.Printf("  rejected heuristic: %d\n", sum.RejectedHeuristic)
	fmt.Printf("  rejected semantic:  %d\n", sum.RejectedSemantic)
	fmt.Printf("  deferred:           %d\n", sum.Deferred)
	fmt.Printf("  no event:           %d\n", sum.NoEvent)
	fmt.Printf("  accepted:           %d\n", sum.Accepted)
	fmt.Printf("  published:          %d\n", sum.Published)
	fmt.Printf("  failed:             %d\n", sum.Failed)
	if sum.BudgetExhausted {
		fmt.Println("  daily extraction budget exhausted, remaining work resumes tomorrow")
	}
	return nil
}
