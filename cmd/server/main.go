/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the lesson engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, LESSONS_* environment, flags)
  2. Initialize the SQLite or PostgreSQL store
  3. Wire lifecycle, obligations, statistics and salary services
  4. Configure HTTP router
  5. Start the sweep/rollup scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port
  -db      SQLite database path (ignored for postgres)
           Use ":memory:" for in-memory database
  -env     Path of the .env file (default: .env)
  -demo    Enable /api/scenarios demo loaders

ENVIRONMENT:
  LESSONS_AUTH_JWT_SECRET      HMAC secret for bearer tokens (required)
  LESSONS_HTTP_PORT            default 8080
  LESSONS_DB_DRIVER            sqlite (default) or postgres
  LESSONS_DB_PATH              default lessons.db
  LESSONS_DB_URL               postgres connection URL
  LESSONS_LOG_LEVEL            debug|info|warn|error
  LESSONS_TIMEZONE             wall clock of the midnight lock, default UTC
  LESSONS_SALARY_DEFAULT_RATE  per-lesson rate when a teacher has none
  LESSONS_SCHEDULER_ENABLED / LESSONS_SCHEDULER_INTERVAL
  LESSONS_CORS_ORIGINS / LESSONS_RATE_RPS / LESSONS_RATE_BURST
  LESSONS_RETRY_MAX_RETRIES / LESSONS_RETRY_BASE_DELAY

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (cancels an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/lesson-engine/api"
	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/config"
	"github.com/warp/lesson-engine/identity"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/logging"
	"github.com/warp/lesson-engine/store/postgres"
	"github.com/warp/lesson-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides LESSONS_HTTP_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides LESSONS_DB_PATH)")
	envFile := flag.String("env", ".env", "Path of the .env file")
	demo := flag.Bool("demo", false, "Enable demo scenario loaders")
	flag.Parse()

	log := logging.New("server")

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	logging.SetLevel(cfg.LogLevel)
	log = logging.New("server")

	// Initialize store
	var store *sqlite.Store
	if cfg.DBDriver == "postgres" {
		store, err = postgres.New(cfg.DBURL)
	} else {
		store, err = sqlite.New(cfg.DBPath)
	}
	if err != nil {
		log.Fatalf("Failed to initialize %s database: %v", cfg.DBDriver, err)
	}
	defer store.Close()

	clock := lesson.SystemClock{Location: cfg.Location}
	retry := lesson.RetryPolicy{
		MaxRetries: cfg.RetryMaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		Reconnect:  store.EnsureConnected,
	}

	// Services
	calculator := compensation.NewCalculator(store, &compensation.TeacherRates{
		Store:   store,
		Default: cfg.DefaultLessonRate,
	}, store, clock)
	calculator.Retry = retry

	lifecycle := lesson.NewLifecycle(store, store, clock)
	lifecycle.Retry = retry
	lifecycle.Listeners = append(lifecycle.Listeners, calculator)

	obligations := lesson.NewObligationService(store, store, clock)
	obligations.Retry = retry
	obligations.Listeners = append(obligations.Listeners, calculator)

	statistics := lesson.NewStatisticsService(store)
	statistics.Retry.MaxRetries = cfg.RetryMaxRetries
	statistics.Retry.BaseDelay = cfg.RetryBaseDelay

	configs := compensation.NewConfigService(store, clock)
	configs.Retry = retry

	handler := api.NewHandler(lifecycle, obligations, statistics, configs, calculator, store, clock)
	if *demo {
		handler.Seeder = store
		log.Warnf("demo scenarios enabled: loading one resets the database")
	}

	limiter := api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	defer limiter.Close()

	router := api.NewRouter(handler, api.RouterOptions{
		Resolver:    identity.NewJWTResolver(cfg.JWTSecret),
		CORSOrigins: cfg.CORSOrigins,
		Limiter:     limiter,
	})

	// Scheduler
	scheduler := api.NewSalaryScheduler(lifecycle, calculator, clock)
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("Server starting on http://localhost:%d (timezone %s)", cfg.Port, cfg.Location)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infof("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Infof("Server stopped")
}
