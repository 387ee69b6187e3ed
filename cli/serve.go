package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/queuedrain/queuedrain/bus"
	"github.com/queuedrain/queuedrain/config"
	qdotel "github.com/queuedrain/queuedrain/otel"
	"github.com/queuedrain/queuedrain/output"
	"github.com/queuedrain/queuedrain/queue"
	"github.com/queuedrain/queuedrain/server"
	"github.com/queuedrain/queuedrain/store"
	"github.com/queuedrain/queuedrain/supervisor"
	"github.com/queuedrain/queuedrain/worker"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the QueueDrain daemon",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: in-memory store)")
	cmd.Flags().String("config", "", "Path to queuedrain.yaml")
	cmd.Flags().String("resync", "", "Cron expression for periodic store resync (UTC)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	resync, _ := cmd.Flags().GetString("resync")
	explicitConfigPath, _ := cmd.Flags().GetString("config")

	logger := slog.Default()

	var cfg config.File
	configPath, found, err := config.Discover(explicitConfigPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if found {
		cfg, err = config.Load(configPath)
		if err != nil {
			return exitError(exitValidation, "%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded configuration from %s\n", configPath)
	}
	if resync == "" {
		resync = cfg.Resync
	}

	// --- Stores and bus ---
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eb.Close()
	}()

	backing, err := openOutputStore(cmd, cfg)
	if err != nil {
		return fmt.Errorf("opening output store: %w", err)
	}
	ps := store.NewPublishingStore(backing, eb)
	defer func() {
		_ = ps.Close()
	}()

	queues := queue.NewRegistry()
	defer queues.Close()
	for _, name := range cfg.Queues {
		queues.Get(name)
	}

	if found {
		seeded, err := config.SeedOutputs(cmd.Context(), ps, cfg)
		if err != nil {
			return exitError(exitValidation, "seeding declared outputs: %v", err)
		}
		if len(seeded) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d output declaration(s)\n", len(seeded))
		}
	}

	// --- Metrics ---
	metrics, err := qdotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("queuedrain"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	metricsSub := eb.SubscribeAll()
	go metrics.Pump(metricsSub)
	defer func() {
		_ = metricsSub.Close()
	}()

	// --- Supervisor ---
	sup, err := supervisor.New(supervisor.Config{
		Store: ps,
		Bus:   eb,
		Factory: worker.FactoryFunc(func(oc output.Config) (worker.Worker, error) {
			return worker.NewQueueWorker(worker.QueueWorkerConfig{
				Output: oc,
				Queues: queues,
				Store:  ps,
				Logger: logger,
			})
		}),
		Logger: logger,
		Resync: resync,
	})
	if err != nil {
		return exitError(exitValidation, "creating supervisor: %v", err)
	}
	if err := sup.Start(cmd.Context()); err != nil {
		return exitError(exitRuntime, "starting supervisor: %v", err)
	}
	defer func() {
		_ = sup.Close()
	}()

	// --- HTTP server ---
	apiServer := server.NewServer(server.ServerConfig{
		Store:      ps,
		Supervisor: sup,
		Queues:     queues,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})

	addr := cfg.Listen
	if addr == "" {
		addr = net.JoinHostPort(host, fmt.Sprintf("%d", port))
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "QueueDrain daemon listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// openOutputStore picks SQLite when a path is configured, otherwise the
// in-memory store. Flag wins over config, config over environment.
func openOutputStore(cmd *cobra.Command, cfg config.File) (store.OutputStore, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	path := strings.TrimSpace(sqlitePath)
	if path == "" {
		path = strings.TrimSpace(cfg.Store.Path)
	}
	if path == "" {
		path = strings.TrimSpace(os.Getenv("QUEUEDRAIN_SQLITE_PATH"))
	}
	if path == "" {
		return store.NewMemStore(), nil
	}
	if !strings.HasPrefix(strings.ToLower(path), "file:") {
		path = filepath.Clean(path)
	}
	return store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: path})
}
