// Command cellrunner is the process entry point: it wires the
// SessionManager, the Execute façade, and graceful shutdown. Grounded on
// steel-orchestrator's main.go (flag parsing, pool/session wiring,
// SIGINT/SIGTERM handling), generalized from flag to cobra/viper and with
// the worker/session split driven by internal/engine instead of
// steel-orchestrator's steel-browser-backed Pool.
//
// Run with --sandbox-worker to instead act as the re-exec'd child process
// hosting one goja runtime (internal/sandboxworker) — this is how
// internal/engine.spawnWorker forks new workers, following
// wilke-cwe-cwl's self-exec pattern.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cellrunner/internal/api"
	"cellrunner/internal/config"
	"cellrunner/internal/engine"
	"cellrunner/internal/logging"
	"cellrunner/internal/sandboxworker"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const sandboxWorkerFlag = "--sandbox-worker"

func main() {
	// The re-exec'd child path never goes through cobra: it has no flags
	// of its own and must not pay for (or be confused by) the server's
	// flag set.
	if len(os.Args) > 1 && os.Args[1] == sandboxWorkerFlag {
		if err := sandboxworker.Run(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox worker exited: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "cellrunner",
		Short: "Executes arbitrary code snippets inside constrained, stateful sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(v)
		},
	}

	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}

	return cmd
}

func runServer(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting cellrunner",
		zap.Int("port", cfg.Port),
		zap.Int("max_sessions", cfg.MaxSessions),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int64("memory_limit", cfg.MemoryLimit),
		zap.Duration("idle_timeout", cfg.IdleTimeout),
		zap.String("worker_binary", cfg.WorkerBinary),
	)

	sessions := engine.NewSessionManager(engine.Config{
		MaxSessions:  cfg.MaxSessions,
		Timeout:      cfg.Timeout,
		MemoryLimit:  cfg.MemoryLimit,
		IdleTimeout:  cfg.IdleTimeout,
		PollInterval: cfg.PollInterval,
		ReapInterval: cfg.ReapInterval,
		WorkerBinary: cfg.WorkerBinary,
	}, log)

	server := api.NewServer(sessions, log, cfg.EnableDebugRoutes)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		serveErrCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-sigCh:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown did not complete cleanly", zap.Error(err))
		}
	}

	sessions.CloseAll()
	log.Info("shutdown complete")
	return nil
}
