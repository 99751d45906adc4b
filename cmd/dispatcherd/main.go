package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/api"
	"github.com/justyse-oj/dispatcher/internal/config"
	"github.com/justyse-oj/dispatcher/internal/db"
	"github.com/justyse-oj/dispatcher/internal/dispatcher"
	"github.com/justyse-oj/dispatcher/internal/gateway"
	"github.com/justyse-oj/dispatcher/internal/queue"
	"github.com/justyse-oj/dispatcher/internal/registry"
	"github.com/justyse-oj/dispatcher/internal/store"
	"github.com/justyse-oj/dispatcher/internal/store/filestore"
	"github.com/justyse-oj/dispatcher/internal/submissionlog"
	"github.com/justyse-oj/dispatcher/internal/workerconn"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	httpAddr string

	dbDriver string
	dbDSN    string

	storeDriver string
	dataDir     string

	logLevel string

	judgeMode         int
	reconnectTimeout  time.Duration
	recvTimeout       time.Duration
	maxRetry          int
	heartbeatInterval time.Duration

	declareLanguage string
	declareCompiler string

	workerSecret string

	exposeMetrics bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "dispatcherd",
		Short: "Judge dispatcher — routes submissions to judge workers and aggregates verdicts",
		Long: `dispatcherd is the control-plane process of the online-judge dispatch
system. It owns the connection pool to judge workers, the admission queue,
verdict aggregation, and the Subscriber Gateway clients use to watch a
run's progress live.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", config.EnvOrDefault("DISPATCHER_HTTP_ADDR", ":8080"), "HTTP API and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", config.EnvOrDefault("DISPATCHER_DB_DRIVER", "sqlite"), "Database driver for queue frames and submission logs (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", config.EnvOrDefault("DISPATCHER_DB_DSN", "./dispatcher.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.storeDriver, "store-driver", config.EnvOrDefault("DISPATCHER_STORE_DRIVER", "file"), "Problem/submission metadata backend (file or db); testcase files are always read from --data-dir")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", config.EnvOrDefault("DISPATCHER_DATA_DIR", "./data"), "Directory holding servers.json, problems, submissions and testcases")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("DISPATCHER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.judgeMode, "judge-mode", 0, "Scheduling mode: 0 = judge_psps (one submission one server), 1 = judge_ptps (split testcases)")
	root.PersistentFlags().DurationVar(&cfg.reconnectTimeout, "reconnect-timeout", config.EnvDurationOrDefault("DISPATCHER_RECONNECT_TIMEOUT", 5*time.Second), "Delay between reconnect attempts to a dropped worker")
	root.PersistentFlags().DurationVar(&cfg.recvTimeout, "recv-timeout", config.EnvDurationOrDefault("DISPATCHER_RECV_TIMEOUT", 30*time.Second), "Reply deadline for a worker's status and judge-handshake frames (the verdict stream has none)")
	root.PersistentFlags().IntVar(&cfg.maxRetry, "max-retry", 5, "Maximum consecutive reconnect attempts before a worker is marked closed")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", config.EnvDurationOrDefault("DISPATCHER_HEARTBEAT_INTERVAL", 30*time.Second), "Interval between pool liveness sweeps")
	root.PersistentFlags().StringVar(&cfg.declareLanguage, "declare-language", config.EnvOrDefault("DISPATCHER_DECLARE_LANGUAGE", "{}"), "JSON payload sent as the declare.language setup frame to every worker")
	root.PersistentFlags().StringVar(&cfg.declareCompiler, "declare-compiler", config.EnvOrDefault("DISPATCHER_DECLARE_COMPILER", "{}"), "JSON payload sent as the declare.compiler setup frame to every worker")
	root.PersistentFlags().StringVar(&cfg.workerSecret, "worker-secret", config.EnvOrDefault("DISPATCHER_WORKER_SECRET", ""), "Shared secret presented to judge workers on connect (empty disables)")
	root.PersistentFlags().BoolVar(&cfg.exposeMetrics, "expose-metrics", config.EnvOrDefault("DISPATCHER_EXPOSE_METRICS", "true") == "true", "Mount /metrics behind the default Prometheus registry")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatcherd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := config.BuildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	for name, doc := range map[string]string{
		"declare-language": cfg.declareLanguage,
		"declare-compiler": cfg.declareCompiler,
	} {
		if !json.Valid([]byte(doc)) {
			return fmt.Errorf("--%s must be a valid JSON document", name)
		}
	}

	logger.Info("starting dispatcherd",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("store_driver", cfg.storeDriver),
		zap.Int("judge_mode", cfg.judgeMode),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Server registry ---
	reg, err := registry.Open(filepath.Join(cfg.dataDir, "servers.json"), logger)
	if err != nil {
		return fmt.Errorf("failed to open server registry: %w", err)
	}

	// --- 2. Database (always — queue frames and submission logs are
	// relational regardless of --store-driver) ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: config.GormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	queues := queue.NewManager(db.NewQueueBackend(gormDB))
	logs := submissionlog.New(db.NewSubmissionLogBackend(gormDB))

	// --- 3. Problem/submission metadata + testcase access ---
	// Testcase file content always comes from the file-backed store, even
	// when metadata is relational — internal/db has no Testcase method.
	fileStore, err := filestore.Open(cfg.dataDir)
	if err != nil {
		return fmt.Errorf("failed to open file store at %q: %w", cfg.dataDir, err)
	}

	var problems store.ProblemStore
	var submissions store.SubmissionStore
	switch cfg.storeDriver {
	case "db":
		problems = db.NewProblemStore(gormDB)
		submissions = db.NewSubmissionStore(gormDB)
	default:
		problems = fileStore.Problems()
		submissions = fileStore.Submissions()
	}

	// --- 4. Metrics ---
	var metrics *dispatcher.Metrics
	if cfg.exposeMetrics {
		metrics = dispatcher.NewMetrics(prometheus.DefaultRegisterer)
	}

	// --- 5. Dispatcher ---
	dispCfg := dispatcher.Config{
		JudgeMode:         cfg.judgeMode,
		ReconnectTimeout:  cfg.reconnectTimeout,
		RecvTimeout:       cfg.recvTimeout,
		MaxRetry:          cfg.maxRetry,
		HeartbeatInterval: cfg.heartbeatInterval,
		ConnConfig: workerconn.Config{
			Lang:              []byte(cfg.declareLanguage),
			Compiler:          []byte(cfg.declareCompiler),
			HeartbeatInterval: cfg.heartbeatInterval,
			RecvTimeout:       cfg.recvTimeout,
			Secret:            cfg.workerSecret,
		},
	}
	disp := dispatcher.New(dispCfg, reg, problems, submissions, queues, logs, fileStore, metrics, logger)
	disp.Run()
	defer disp.Shutdown()

	// --- 6. Subscriber Gateway ---
	gw := gateway.New(queues, logs, logger)

	// --- 7. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Dispatcher:    disp,
		Queues:        queues,
		Gateway:       gw,
		Logger:        logger,
		ExposeMetrics: cfg.exposeMetrics,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the WebSocket endpoint can legitimately run for a whole judge run
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down dispatcherd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("dispatcherd stopped")
	return nil
}
