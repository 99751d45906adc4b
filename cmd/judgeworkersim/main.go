// Package main implements judgeworkersim, a reference judge worker used
// for local development and integration testing against dispatcherd. It
// speaks the dispatcher's wire protocol over a WebSocket server: it accepts the
// setup frames, echoes status on request, and answers every command.init
// through command.judge step with a synthetic but structurally correct
// verdict stream.
//
// It is not a real judge: command.code/command.testcase/command.judger
// payloads are accepted and discarded, and every testcase is reported
// Accepted with a fixed simulated time/memory. Its purpose is to let the
// dispatcher's scheduling, aggregation, and gateway replay paths be
// exercised end to end without a real sandboxed execution backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	listenAddr string
	logLevel   string
	secret     string

	testDelay  time.Duration
	timePerTC  float64
	memPerTC   int64
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
		Use:   "judgeworkersim",
		Short: "judgeworkersim — a fake judge worker speaking the dispatcher's wire protocol",
		Long: `judgeworkersim listens for dispatcherd's connection and answers the
judge protocol with synthetic Accepted verdicts, for local development and
integration testing without a real sandboxed execution backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", config.EnvOrDefault("JUDGEWORKERSIM_LISTEN_ADDR", ":9000"), "WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("JUDGEWORKERSIM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.secret, "secret", config.EnvOrDefault("JUDGEWORKERSIM_SECRET", ""), "Shared secret dispatchers must present on connect (empty disables the check)")
	root.PersistentFlags().DurationVar(&cfg.testDelay, "test-delay", 20*time.Millisecond, "Simulated per-testcase judging delay")
	root.PersistentFlags().Float64Var(&cfg.timePerTC, "time-per-testcase", 0.01, "Simulated per-testcase run time, in seconds")
	root.PersistentFlags().Int64Var(&cfg.memPerTC, "mem-per-testcase", 1024, "Simulated per-testcase memory usage, in KB")

	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("judgeworkersim %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(cfg *cliConfig) error {
	logger, err := config.BuildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	sim := &simulator{cfg: cfg, logger: logger.Named("judgeworkersim")}

	mux := http.NewServeMux()
	mux.HandleFunc("/", sim.serveWS)

	srv := &http.Server{Addr: cfg.listenAddr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("judgeworkersim listening", zap.String("addr", cfg.listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down judgeworkersim")
	return srv.Close()
}
