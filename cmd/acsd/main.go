// Command acsd runs a participant node's Active Contract Store: event
// ingestion, point-in-time status queries, and pruning over a SQLite or
// PostgreSQL backend.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/config"
	"github.com/parledger/acs/pkg/contractid"
	"github.com/parledger/acs/pkg/eventlog"
	"github.com/parledger/acs/pkg/index"
	"github.com/parledger/acs/pkg/observability"
	"github.com/parledger/acs/pkg/pruning"
	"github.com/parledger/acs/pkg/scheduler"
	"github.com/parledger/acs/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
)

func main() {
	profile := flag.String("profile", "", "optional YAML profile overlay")
	flag.Parse()

	cfg := config.Load()
	if *profile != "" {
		if err := config.LoadProfile(cfg, *profile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("acsd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "acs-participant",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	ix := index.New(backend, index.WithLogger(logger))
	writer := eventlog.NewWriter(backend, ix,
		eventlog.WithLogger(logger),
		eventlog.WithHealthSink(func(err error) {
			logger.Error("storage is failing, shutting down", "error", err)
			stop()
		}),
	)
	sched := scheduler.New(writer, cfg.QueueSize, logger)
	defer func() { _ = sched.Close() }()

	leases, err := buildLeases(cfg)
	if err != nil {
		return err
	}
	pruner, err := buildPruner(ctx, cfg, backend, leases, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newHandler(ix, sched, pruner, obs, logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("acsd listening", "port", cfg.Port, "database", cfg.DatabaseURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openBackend(ctx context.Context, url string) (store.Backend, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		backend := store.NewPostgresBackend(db)
		if err := backend.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
		}
		return backend, nil
	}
	return store.OpenSQLite(url)
}

func buildLeases(cfg *config.Config) (pruning.LeaseRegistry, error) {
	if cfg.RedisURL == "" {
		return pruning.NewMemoryLeaseRegistry(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return pruning.NewRedisLeaseRegistry(redis.NewClient(opts), cfg.LeaseTTL), nil
}

func buildPruner(ctx context.Context, cfg *config.Config, backend store.Backend, leases pruning.LeaseRegistry, logger *slog.Logger) (*pruning.Manager, error) {
	opts := []pruning.Option{pruning.WithLogger(logger)}
	if cfg.RetentionExpr != "" {
		policy, err := pruning.NewRetentionPolicy(cfg.RetentionExpr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pruning.WithRetentionPolicy(policy))
	}
	if cfg.ArchiveBucket != "" {
		sink, err := pruning.NewS3Sink(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pruning.WithArchiveSink(sink))
	}
	if cfg.PruneScanRate > 0 {
		opts = append(opts, pruning.WithScanRate(cfg.PruneScanRate))
	}
	return pruning.NewManager(backend, leases, opts...), nil
}

// isConflict reports whether a submit failure is an ordering or state
// conflict rather than a storage or queue fault.
func isConflict(err error) bool {
	return errors.Is(err, acs.ErrAlreadyExists) || errors.Is(err, acs.ErrNotActive) ||
		errors.Is(err, acs.ErrOutOfOrder) || errors.Is(err, eventlog.ErrCounterGap)
}

func newHandler(ix *index.Index, sched *scheduler.Scheduler, pruner *pruning.Manager, obs *observability.Provider, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /v1/events", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ev, err := eventlog.ParseEnvelope(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start := time.Now()
		if err := sched.Submit(r.Context(), ev); err != nil {
			status := http.StatusInternalServerError
			if isConflict(err) {
				obs.RecordConflict(r.Context(), string(ev.Kind))
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		obs.RecordApply(r.Context(), string(ev.Kind), time.Since(start))
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /v1/contracts/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		cid, err := contractid.DecodeString(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sync := r.URL.Query().Get("synchronizer")
		if sync == "" {
			http.Error(w, "synchronizer query parameter required", http.StatusBadRequest)
			return
		}
		at, err := strconv.ParseInt(r.URL.Query().Get("at"), 10, 64)
		if err != nil {
			http.Error(w, "at query parameter must be a logical time", http.StatusBadRequest)
			return
		}

		release, err := pruner.AcquireLease(r.Context(), acs.LogicalTime(at))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() { _ = release(context.Background()) }()

		status, err := ix.StatusAt(r.Context(), cid, acs.SynchronizerID(sync), acs.LogicalTime(at))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	mux.HandleFunc("POST /v1/prune", func(w http.ResponseWriter, r *http.Request) {
		upTo, err := strconv.ParseInt(r.URL.Query().Get("up_to"), 10, 64)
		if err != nil {
			http.Error(w, "up_to query parameter must be a logical time", http.StatusBadRequest)
			return
		}
		start := time.Now()
		stats, err := pruner.Prune(r.Context(), acs.LogicalTime(upTo))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, acs.ErrPruningTooRecent) || errors.Is(err, acs.ErrNothingToPrune) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		obs.RecordPrune(r.Context(), stats.Deleted, time.Since(start))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})

	mux.HandleFunc("GET /v1/consistency", func(w http.ResponseWriter, r *http.Request) {
		findings, err := ix.BulkConsistencyCheck(r.Context(), pruner.Watermark())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]string, len(findings))
		for i, f := range findings {
			out[i] = f.String()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	return mux
}
