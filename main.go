package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"commutecircles/pkg/api"
	"commutecircles/pkg/cache"
	"commutecircles/pkg/directions"
	"commutecircles/pkg/engine"
	"commutecircles/pkg/fetch"
	"commutecircles/pkg/geocode"
	"commutecircles/pkg/logging"
	"commutecircles/pkg/metrics"
	otelutil "commutecircles/pkg/otel"
	"commutecircles/pkg/parser"
	"commutecircles/pkg/pipeline"
	"commutecircles/pkg/profiling"
	"commutecircles/pkg/publish"
	"commutecircles/pkg/rent"
	"commutecircles/pkg/tracing"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	logging.InitLogging()

	var (
		dryRun        = flag.Bool("dry-run", false, "Print results to stdout instead of sending them to sinks")
		listen        = flag.String("listen", getEnv("COMMUTE_LISTEN_ADDR", ""), "Serve the HTTP API on this address instead of running the pipeline")
		corsOrigins   = flag.String("cors-origins", getEnv("COMMUTE_CORS_ORIGINS", "*"), "Allowed CORS origins, comma-separated")
		apiKey        = flag.String("api-key", getEnv("COMMUTE_DIRECTIONS_API_KEY", ""), "Directions API key (required)")
		directionsURL = flag.String("directions-url", getEnv("COMMUTE_DIRECTIONS_URL", directions.DefaultBaseURL), "Directions XML endpoint")
		language      = flag.String("language", getEnv("COMMUTE_LANGUAGE", "ja"), "Language of directions responses")
		timeZone      = flag.String("timezone", getEnv("COMMUTE_TIMEZONE", directions.DefaultTimeZone), "Time zone for departure hours")
		cacheDriver   = flag.String("cache-driver", getEnv("COMMUTE_CACHE_DRIVER", cache.DriverSQLite), "Reachability cache backend: sqlite or postgres")
		cacheDSN      = flag.String("cache-dsn", getEnv("COMMUTE_CACHE_DSN", "commutecircles.db"), "SQLite path or Postgres URL of the reachability cache")
		rentDB        = flag.String("rent-db", getEnv("COMMUTE_RENT_DB", "rent.db"), "SQLite path of the rent dataset")
		rentImport    = flag.String("rent-import", getEnv("COMMUTE_RENT_IMPORT", ""), "CSV file to load into the rent dataset before starting")
		anchor1       = flag.String("anchor1", getEnv("COMMUTE_ANCHOR1", ""), "First anchor station")
		anchor2       = flag.String("anchor2", getEnv("COMMUTE_ANCHOR2", ""), "Second anchor station")
		budget1       = flag.Int("budget1", getEnvInt("COMMUTE_BUDGET1", 45), "Travel budget from the first anchor, minutes")
		budget2       = flag.Int("budget2", getEnvInt("COMMUTE_BUDGET2", 45), "Travel budget from the second anchor, minutes")
		departureHour = flag.String("departure-hour", getEnv("COMMUTE_DEPARTURE_HOUR", ""), "Departure hour 0-23 (empty: unspecified)")
		prefectures   = flag.String("prefectures", getEnv("COMMUTE_PREFECTURES", ""), "Limit candidate stations to these prefectures, comma-separated")
		workers       = flag.Int("workers", getEnvInt("COMMUTE_WORKERS", fetch.DefaultWorkers), "Concurrent directions fetchers")
		spacing       = flag.Duration("spacing", getEnvDuration("COMMUTE_FETCH_SPACING", fetch.DefaultSpacing), "Minimum gap between calls of one fetcher")
		retryFailures = flag.Duration("retry-failures-after", getEnvDuration("COMMUTE_RETRY_FAILURES_AFTER", fetch.DefaultFailureRetryAfter), "Serve a cached failed lookup for this long before fetching it again")
		strict        = flag.Bool("strict-durations", getEnv("COMMUTE_STRICT_DURATIONS", "") == "true", "Ignore numbers with unknown units when parsing durations")
		geocoderURL   = flag.String("geocoder-url", getEnv("COMMUTE_GEOCODER_URL", geocode.DefaultBaseURL), "Nominatim search endpoint")
		countryCodes  = flag.String("geocoder-countries", getEnv("COMMUTE_GEOCODER_COUNTRIES", "jp"), "Country codes the geocoder searches")
		lokiURL       = flag.String("loki-url", getEnv("COMMUTE_LOKI_URL", ""), "Grafana Loki URL (empty: no Loki sink)")
		lokiUser      = flag.String("loki-user", getEnv("COMMUTE_LOKI_USER", ""), "Loki username (for Grafana Cloud authentication)")
		lokiPassword  = flag.String("loki-password", getEnv("COMMUTE_LOKI_PASSWORD", ""), "Loki password/token (for Grafana Cloud authentication)")
		outputDir     = flag.String("output-dir", getEnv("COMMUTE_OUTPUT_DIR", ""), "Write GeoJSON results to this directory")
		gcsBucket     = flag.String("gcs-bucket", getEnv("COMMUTE_GCS_BUCKET", ""), "Upload GeoJSON results to this Cloud Storage bucket")
		gcsPrefix     = flag.String("gcs-prefix", getEnv("COMMUTE_GCS_PREFIX", "evaluations"), "Object prefix inside the bucket")
		interval      = flag.Duration("interval", getEnvDuration("COMMUTE_INTERVAL", 0), "Re-evaluate on this interval (0: run once)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commute Circles\n\n")
		fmt.Fprintf(os.Stderr, "Finds the stations reachable by transit from two anchors within their\n")
		fmt.Fprintf(os.Stderr, "travel budgets, ranks them by rent and draws both reachability circles\n")
		fmt.Fprintf(os.Stderr, "with their overlap as GeoJSON.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  Every option can be set through COMMUTE_<OPTION> (see defaults above).\n")
		fmt.Fprintf(os.Stderr, "  DURATION_HOUR_KEYWORDS   - Extra hour units, comma-separated\n")
		fmt.Fprintf(os.Stderr, "  DURATION_MINUTE_KEYWORDS - Extra minute units, comma-separated\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL                - debug, info, warn or error\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # One evaluation, printed\n")
		fmt.Fprintf(os.Stderr, "  %s --dry-run --api-key=KEY --anchor1=Shibuya --anchor2=Akihabara --budget1=40 --budget2=30\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # HTTP API\n")
		fmt.Fprintf(os.Stderr, "  %s --api-key=KEY --listen=:8080\n\n", os.Args[0])
	}

	flag.Parse()

	if *apiKey == "" {
		fmt.Fprintf(os.Stderr, "Error: API key is required. Use --api-key or set COMMUTE_DIRECTIONS_API_KEY environment variable.\n\n")
		flag.Usage()
		os.Exit(1)
	}

	hour, err := parseHour(*departureHour)
	if err != nil {
		fatal("Invalid departure hour", err)
	}

	shutdownTracing, err := tracing.InitTracing()
	if err != nil {
		fatal("Failed to initialize tracing", err)
	}
	defer shutdownTracing()

	shutdownMetrics, err := metrics.InitMetrics()
	if err != nil {
		fatal("Failed to initialize metrics", err)
	}
	defer shutdownMetrics()

	shutdownProfiling, err := profiling.InitProfiling(otelutil.Version)
	if err != nil {
		fatal("Failed to initialize profiling", err)
	}
	defer shutdownProfiling()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(ctx, cache.Config{Driver: *cacheDriver, DSN: *cacheDSN})
	if err != nil {
		fatal("Failed to open reachability cache", err)
	}
	defer store.Close()

	rentStore, err := rent.Open(ctx, *rentDB)
	if err != nil {
		fatal("Failed to open rent dataset", err)
	}
	defer rentStore.Close()

	if *rentImport != "" {
		if err := importRent(ctx, rentStore, *rentImport); err != nil {
			fatal("Failed to import rent data", err)
		}
	}

	keywords := parser.DefaultKeywords().Merge(parser.Keywords{
		Hours:   parser.ParseKeywordList(os.Getenv("DURATION_HOUR_KEYWORDS")),
		Minutes: parser.ParseKeywordList(os.Getenv("DURATION_MINUTE_KEYWORDS")),
	})
	durations := parser.NewDurationParser(keywords)
	durations.Strict = *strict

	directionsClient, err := directions.NewClient(directions.Config{
		APIKey:   *apiKey,
		BaseURL:  *directionsURL,
		Language: *language,
		TimeZone: *timeZone,
	})
	if err != nil {
		fatal("Failed to create directions client", err)
	}

	geocoder := geocode.NewClient(geocode.Config{
		BaseURL:      *geocoderURL,
		CountryCodes: *countryCodes,
	}, store)

	coordinator := fetch.NewCoordinator(store, fetch.NewFetcher(directionsClient, durations), fetch.Config{
		Workers:           *workers,
		Spacing:           *spacing,
		FailureRetryAfter: *retryFailures,
	})

	eng, err := engine.New(store, coordinator, geocoder, durations.Parse)
	if err != nil {
		fatal("Failed to create engine", err)
	}

	var publishers []publish.Publisher
	if *outputDir != "" {
		files, err := publish.NewFilePublisher(*outputDir)
		if err != nil {
			fatal("Failed to create file publisher", err)
		}
		publishers = append(publishers, files)
	}
	if *gcsBucket != "" {
		gcs, err := publish.NewGCSPublisher(ctx, *gcsBucket, *gcsPrefix)
		if err != nil {
			fatal("Failed to create GCS publisher", err)
		}
		defer gcs.Close()
		publishers = append(publishers, gcs)
	}

	config := pipeline.Config{
		DryRun: *dryRun,
		Query: pipeline.Query{
			Anchor1:       *anchor1,
			Anchor2:       *anchor2,
			Budget1:       *budget1,
			Budget2:       *budget2,
			DepartureHour: hour,
			Prefectures:   splitList(*prefectures),
		},
		LokiURL:      *lokiURL,
		LokiUser:     *lokiUser,
		LokiPassword: *lokiPassword,
		Interval:     *interval,
	}

	pipelineInstance, err := pipeline.New(config, pipeline.Deps{
		Evaluator:  eng,
		Rent:       rentStore,
		Geocoder:   geocoder,
		Publishers: publishers,
	})
	if err != nil {
		fatal("Failed to create pipeline", err)
	}

	slog.Info("Starting commutecircles",
		"version", otelutil.Version,
		"cache_driver", *cacheDriver,
		"workers", *workers,
		"spacing", *spacing,
		"dry_run", *dryRun,
	)

	if *listen != "" {
		server := api.NewServer(api.Config{AllowedOrigins: splitList(*corsOrigins)}, pipelineInstance, rentStore, store)
		if err := serve(ctx, *listen, server.Handler()); err != nil {
			fatal("API server error", err)
		}
		slog.Info("commutecircles shutdown complete")
		return
	}

	if err := pipelineInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal("Pipeline error", err)
	}
	slog.Info("commutecircles shutdown complete")
}

func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "addr", addr)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Shutting down API server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func importRent(ctx context.Context, store *rent.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := store.ImportCSV(ctx, f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("Imported rent data", "path", path, "rows", n)
	return nil
}

func parseHour(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	h, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	if h < 0 || h > 23 {
		return nil, fmt.Errorf("hour %d out of range 0-23", h)
	}
	return &h, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// getEnv returns the value of an environment variable or a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
