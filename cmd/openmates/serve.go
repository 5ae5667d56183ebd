package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/ledger"
	"github.com/openmates/core/internal/mainstage"
	"github.com/openmates/core/internal/observability"
	"github.com/openmates/core/internal/orchestrator"
	"github.com/openmates/core/internal/postprocess"
	"github.com/openmates/core/internal/preprocess"
	"github.com/openmates/core/internal/providers"
	"github.com/openmates/core/internal/queue"
	"github.com/openmates/core/internal/skills"
	"github.com/openmates/core/internal/store"
	"github.com/openmates/core/internal/tokens"
	"github.com/openmates/core/internal/vault"
	"github.com/openmates/core/pkg/models"
)

const (
	// taskWorkers is the number of tasks processed concurrently per
	// instance; per-chat ordering is enforced by the orchestrator.
	taskWorkers = 8

	// taskPollInterval bounds one blocking pop on the intake list.
	taskPollInterval = 5 * time.Second

	defaultMetricsAddr = ":9090"

	// Builtin inline skill endpoints. The search key lives in the
	// secrets manager.
	docsBaseURL      = "https://context7.com/api/v1"
	searchBaseURL    = "https://api.search.brave.com"
	searchSecretPath = "kv/data/providers/brave"
	searchSecretKey  = "api_key"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the core pipeline workers",
		Long: `Start the core service: connect to the transit keystore, the record
store, and Redis, load the skill registry, and consume tasks from the
intake list until SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  openmates serve

  # Start with custom config and debug logging
  openmates serve --config /etc/openmates/core.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "core.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	_, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName: "openmates-core",
		Environment: cfg.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	vaultClient, err := vault.New(vault.Config{
		URL:       cfg.Vault.URL,
		TokenFile: cfg.Vault.TokenFile,
	}, logger)
	if err != nil {
		return err
	}
	if err := vaultClient.EnsureSystemKeys(ctx); err != nil {
		return err
	}

	registry, err := providers.NewRegistry(ctx, cfg.Providers, vaultClient, logger)
	if err != nil {
		return err
	}

	skillReg, err := skills.LoadRegistry(cfg.Skills.Root, cfg.Environment, logger)
	if err != nil {
		return err
	}

	q := queue.New(cfg.Redis, logger)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		return err
	}

	repos := store.NewDirectus(cfg.Store, logger).Repos()

	dispatcher := skills.NewDispatcher(skillReg, &skills.Env{
		Vault:  vaultClient,
		Store:  repos,
		Queue:  q,
		Logger: logger,
	}, cfg.Skills, metrics, logger)
	registerBuiltins(ctx, dispatcher, skillReg, vaultClient, logger)

	systemDir := filepath.Join(cfg.Skills.Root, "system")
	preStage, err := preprocess.New(registry,
		filepath.Join(systemDir, "preprocess_tool.yml"),
		cfg.Pipeline.PreprocessTimeout, metrics, logger)
	if err != nil {
		return err
	}
	categories, err := postprocess.LoadCategories(cfg.Skills.Root, logger)
	if err != nil {
		return err
	}
	postStage, err := postprocess.New(registry,
		filepath.Join(systemDir, "postprocess_tool.yml"),
		filepath.Join(systemDir, "generate_memories_tool.yml"),
		categories, cfg.Pipeline.PostprocessTimeout, metrics, logger)
	if err != nil {
		return err
	}
	mainStage := mainstage.New(registry, dispatcher, cfg.Pipeline.MaxToolRounds, cfg.Pipeline.StreamTimeout, metrics, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Store:      repos,
		Crypter:    vaultClient,
		Locks:      q,
		Preprocess: preStage,
		Main:       mainStage,
		Post:       postStage,
		Skills:     skillReg,
		Ledger:     ledger.New(vaultClient, repos, logger),
		Estimator:  tokens.HeuristicEstimator{},
		Config:     cfg.Pipeline,
		Metrics:    metrics,
		Logger:     logger,
	})

	logger.Info("core service starting",
		"environment", cfg.Environment,
		"skills", skillReg.Keys(),
		"workers", taskWorkers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < taskWorkers; i++ {
		g.Go(func() error { return taskWorker(ctx, q, orch, logger) })
	}
	g.Go(func() error { return serveMetrics(ctx, logger) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("core service stopped")
		return nil
	}
	return err
}

// taskWorker consumes the intake list until ctx ends. Events go back to
// the edge over the task's pub/sub channel.
func taskWorker(ctx context.Context, q *queue.Queue, orch *orchestrator.Orchestrator, logger *slog.Logger) error {
	sink := orchestrator.EmitFunc(func(ctx context.Context, ev *models.StreamEvent) error {
		return q.PublishEvent(ctx, ev)
	})

	for {
		task, err := q.DequeueTask(ctx, taskPollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("task dequeue failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if task == nil {
			continue
		}

		if err := orch.Run(ctx, task, sink); err != nil {
			if errors.Is(err, orchestrator.ErrAlreadyProcessed) {
				logger.Warn("dropping duplicate task", "task_id", task.ID)
				continue
			}
			// Run already emitted the terminal event; the error here is
			// for operator visibility only.
			logger.Debug("task ended with error", "task_id", task.ID, "error", err)
		}
	}
}

// registerBuiltins wires the inline handlers shipped with the core.
// Missing manifests or secrets disable the skill rather than the boot.
func registerBuiltins(ctx context.Context, d *skills.Dispatcher, reg *skills.Registry, vaultClient *vault.Client, logger *slog.Logger) {
	if _, ok := reg.Get("code", "get_docs"); ok {
		d.Register("code", "get_docs", skills.NewDocsHandler(docsBaseURL))
	}
	if _, ok := reg.Get("web", "search"); ok {
		apiKey, err := vaultClient.GetSecret(ctx, searchSecretPath, searchSecretKey)
		if err != nil {
			logger.Warn("web/search disabled: search API key unavailable", "error", err)
		} else {
			d.Register("web", "search", skills.NewSearchHandler(searchBaseURL, apiKey))
		}
	}
}

// serveMetrics exposes /metrics and /healthz until ctx ends.
func serveMetrics(ctx context.Context, logger *slog.Logger) error {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = defaultMetricsAddr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
