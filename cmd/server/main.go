// Forager scans a mailbox for free-food announcements and publishes
// extracted events to a calendar.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/forager/internal/authmw"
	"github.com/linnemanlabs/forager/internal/calendar/google"
	fc "github.com/linnemanlabs/forager/internal/cfg"
	"github.com/linnemanlabs/forager/internal/eventapi"
	"github.com/linnemanlabs/forager/internal/llm/claude"
	"github.com/linnemanlabs/forager/internal/llm/cohere"
	"github.com/linnemanlabs/forager/internal/llm/gemini"
	"github.com/linnemanlabs/forager/internal/mailbox/graph"
	"github.com/linnemanlabs/forager/internal/notify/slack"
	"github.com/linnemanlabs/forager/internal/pipeline"
	"github.com/linnemanlabs/forager/internal/pipeline/memstore"
	"github.com/linnemanlabs/forager/internal/pipeline/pgstore"
	"github.com/linnemanlabs/forager/internal/pipeline/sqlitestore"
	"github.com/linnemanlabs/forager/internal/postgres"
)

const appName = "forager"
const component = "server"

// screenParallelism bounds concurrent Tier 1/2 evaluation per batch.
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

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    fc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix FORAGER_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "FORAGER_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"provider", appCfg.Provider,
		"daily_budget", appCfg.DailyBudget,
		"scan_interval_mins", appCfg.ScanIntervalMins,
		"enable_tracing", traceCfg.EnableTracing,
		"enable_pyroscope", profCfg.EnablePyroscope,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Initialize the ledger store
	var store pipeline.Store
	switch {
	case appCfg.DatabaseURL != "":
		pgStore, err := pgstore.New(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		defer pgStore.Close()
		store = pgStore
		L.Info(ctx, "using postgres store")
	case appCfg.SQLitePath != "":
		sqlStore, err := sqlitestore.New(appCfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlitestore init: %w", err)
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
		L.Info(ctx, "using sqlite store", "path", appCfg.SQLitePath)
	default:
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url or sqlite-path configured)")
	}

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forager_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, outcome).Observe(dur.Seconds())
		},
	))

	// Wire the LLM tiers per provider selection.
	var (
		classifier    pipeline.Classifier
		provider      pipeline.Extractor
		providerName  string
		providerModel string
	)
	switch appCfg.Provider {
	case fc.ProviderClaude:
		claudeClient := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
		classifier = claudeClient
		provider = claudeClient
		providerName = "claude"
		providerModel = appCfg.ClaudeModel
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)
	default:
		classifier = gemini.New(appCfg.GeminiAPIKey, appCfg.GeminiModel)
		provider = cohere.New(appCfg.CohereAPIKey, appCfg.CohereModel)
		providerName = "cohere"
		providerModel = appCfg.CohereModel
		L.Info(ctx, "initialized LLM providers",
			"classifier", "gemini", "classifier_model", appCfg.GeminiModel,
			"extractor", "cohere", "extractor_model", appCfg.CohereModel,
		)
	}

	// Pipeline metrics on the shared Prometheus registry.
	pipeMetrics := pipeline.NewMetrics(m.Registry())
	hooks := pipeMetrics.Hooks()

	// Governor enforces the daily extraction budget and call spacing.
	// Seed today's usage from the ledger so restarts don't reset it.
	governor := pipeline.NewGovernor(pipeline.GovernorConfig{
		DailyBudget:     appCfg.DailyBudget,
		MinInterval:     time.Duration(appCfg.MinCallIntervalSeconds) * time.Second,
		ThrottleBackoff: time.Duration(appCfg.ThrottleBackoffSeconds) * time.Second,
	})
	if used, err := store.CallsOn(ctx, providerName, time.Now()); err != nil {
		L.Error(ctx, err, "failed to load today's provider usage, starting from zero")
	} else {
		governor.Seed(used, time.Now())
		L.Info(ctx, "seeded governor from ledger", "calls_today", used, "daily_budget", appCfg.DailyBudget)
	}

	heuristic := pipeline.NewHeuristicFilter(pipeline.HeuristicConfig{
		SpamStrict:  appCfg.SpamThresholdStrict,
		SpamLenient: appCfg.SpamThresholdLenient,
	})
	semantic := pipeline.NewSemanticFilter(classifier, appCfg.SemanticThreshold, L)
	extractor := pipeline.NewBudgetedExtractor(provider, providerName, providerModel, governor, appCfg.MinConfidence, L, hooks)

	// Calendar publishing is optional; without credentials accepted
	// events stay in the ledger only.
	var publisher pipeline.Publisher
	if appCfg.GoogleRefreshToken != "" {
		tokens := google.NewRefreshTokenSource(appCfg.GoogleClientID, appCfg.GoogleClientSecret, appCfg.GoogleRefreshToken)
		publisher = google.New(tokens, appCfg.GoogleCalendarID, appCfg.CalendarTimezone)
		L.Info(ctx, "publisher enabled", "type", "google-calendar", "calendar", appCfg.GoogleCalendarID)
	}

	// Mailbox source.
	graphTokens := graph.NewClientCredentials(appCfg.GraphTenantID, appCfg.GraphClientID, appCfg.GraphClientSecret)
	source := graph.New(graphTokens, appCfg.GraphMailbox)

	// Slack notifier for scan summaries.
	var notifier pipeline.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	pipe := pipeline.NewPipeline(store, heuristic, semantic, extractor, publisher, L, hooks, screenParallelism)
	svc := pipeline.NewService(source, pipe, store, L, hooks, notifier, appCfg.SearchQuery, appCfg.MaxMessagesPerScan)

	// Optional periodic scans; the API can always trigger one manually.
	if appCfg.ScanIntervalMins > 0 {
		interval := time.Duration(appCfg.ScanIntervalMins) * time.Minute
		go runScanLoop(ctx, L, svc, interval)
		L.Info(ctx, "periodic scans enabled", "interval", interval)
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes, bearer-token gated when a token is configured
	api := eventapi.New(L, svc, governor)
	if appCfg.APIToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(authmw.BearerToken(appCfg.APIToken))
			api.RegisterRoutes(r)
		})
	} else {
		api.RegisterRoutes(r)
		L.Warn(ctx, "api token not configured, api is unauthenticated")
	}

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// runScanLoop triggers a scan every interval until ctx is canceled.
// A scan already running (e.g. one kicked off via the API) just skips
// that tick.
func runScanLoop(ctx context.Context, L log.Logger, svc *pipeline.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Scan(ctx); err != nil {
				if errors.Is(err, pipeline.ErrScanInProgress) {
					L.Info(ctx, "scheduled scan skipped, another scan is running")
					continue
				}
				L.Error(ctx, err, "scheduled scan failed")
			}
		}
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
