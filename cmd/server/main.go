/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, file, LOYALTY_* env, flags)
  2. Build the logger
  3. Initialize SQLite store
  4. Connect the platform client
  5. Create API handler with dependencies and metrics
  6. Start the coupon pool monitor
  7. Configure HTTP router and start the server

COMMAND-LINE FLAGS:
  -config    YAML configuration file (optional)
  -addr      HTTP listen address, overrides http.addr
  -db        SQLite database path, overrides database.path
             Use ":memory:" for in-memory database
  -platform  "graphql" or "memory", overrides platform.mode

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Stop the pool monitor
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run against the storefront
  LOYALTY_PLATFORM_ENDPOINT=https://shop.example.com/admin/api/graphql \
  LOYALTY_PLATFORM_TOKEN=shpat_xxx ./server -db="./data/loyalty.db"

  # Run locally with no storefront
  ./server -db=":memory:" -platform=memory

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/platform"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address")
	dbPath := flag.String("db", "", "SQLite database path")
	platformMode := flag.String("platform", "", "Customer platform: graphql or memory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *platformMode != "" {
		cfg.Platform.Mode = *platformMode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("env", cfg.Env))

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Customer platform
	var customers platform.Store
	switch cfg.Platform.Mode {
	case config.PlatformMemory:
		log.Warn("using in-memory customer platform; balances are lost on restart")
		customers = platform.NewMemory()
	default:
		customers = platform.NewClient(cfg.Platform.Endpoint, cfg.Platform.Token, cfg.Platform.Timeout, log.Named("platform"))
	}

	// Initialize handler
	recorder := metrics.New(metrics.Config{Environment: cfg.Env})
	handler := api.NewHandler(store, customers, log)
	handler.Engine.Timeout = cfg.Redeem.Timeout
	handler.Engine.CompensationTimeout = cfg.Redeem.CompensationTimeout
	handler.LowWater = cfg.Monitor.LowWater
	handler.UseMetrics(recorder)

	// Pool monitor
	monitor := api.NewPoolMonitor(store, store, recorder, log.Named("monitor"))
	monitor.CheckInterval = cfg.Monitor.Interval
	monitor.LowWater = cfg.Monitor.LowWater
	monitor.Start()
	defer monitor.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Metrics:        recorder,
		Log:            log.Named("http"),
	})

	// Create server
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Named("http")),
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("db", cfg.Database.Path),
			zap.String("platform", cfg.Platform.Mode),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a failed listener
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// newLogger builds the process logger. json is the production encoder;
// console is for local runs.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %v", config.ErrInvalidConfig, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
