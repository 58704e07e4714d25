// Command loomd is Loom's daemon: it serves the Control API, runs the
// task-queue worker loop, or both, against a shared Postgres store.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loom-run/loom/internal/config"
	"github.com/loom-run/loom/internal/controlapi"
	"github.com/loom-run/loom/internal/engine"
	"github.com/loom-run/loom/internal/registry"
	"github.com/loom-run/loom/internal/store"
	"github.com/loom-run/loom/internal/worker"
	"github.com/loom-run/loom/loomdemo"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loomd",
	Short: "Loom - a durable workflow orchestration engine",
	Long: `Loom runs workflows as a deterministic sequence of steps replayed
from an append-only event log, backed by a Postgres task queue.

It can serve the Control API, run the task-queue worker loop, or both.`,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the Control API with an embedded worker pool",
	Run: func(cmd *cobra.Command, args []string) {
		runServer(loadConfig(cmd))
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task-queue worker loop only (no Control API)",
	Run: func(cmd *cobra.Command, args []string) {
		runWorker(loadConfig(cmd))
	},
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Claim and process a single task, then exit",
	Run: func(cmd *cobra.Command, args []string) {
		runOnce(loadConfig(cmd))
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("port", "p", "", "Control API port (overrides server.port)")
	rootCmd.AddCommand(serverCmd, workerCmd, runOnceCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	v := viper.New()
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("loom: load config: %v", err)
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.ServerPort = port
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("loom: %v", err)
	}
	return cfg
}

// buildRuntime opens the store, builds the registry (registering the
// built-in demo workflow alongside anything an embedding application
// wires in), and constructs the engine + worker pool every subcommand
// needs.
func buildRuntime(cfg config.Config) (*store.PostgresStore, *registry.Registry, *engine.Engine, *worker.Pool) {
	st, err := store.Open(store.PostgresConfig{
		DSN:             cfg.StoreDSN,
		MaxOpenConns:    cfg.StoreMaxOpenConns,
		MaxIdleConns:    cfg.StoreMaxIdleConns,
		ConnMaxLifetime: cfg.StoreConnMaxLifetime,
		ConnMaxIdleTime: cfg.StoreConnMaxIdleTime,
	})
	if err != nil {
		log.Fatalf("loom: open store: %v", err)
	}

	reg := registry.New()
	if err := loomdemo.Register(reg); err != nil {
		log.Fatalf("loom: register demo workflows: %v", err)
	}

	eng := engine.New(st, reg, time.Now)
	wcfg := worker.DefaultConfig()
	wcfg.Concurrency = cfg.WorkerCount
	wcfg.PollInterval = cfg.WorkerPollInterval
	wcfg.HeartbeatInterval = cfg.WorkerHeartbeatInterval
	wcfg.StaleAfter = cfg.WorkerStaleAfter
	wcfg.RecoveryInterval = cfg.WorkerRecoveryInterval
	wcfg.DefaultTimeout = cfg.ActivityDefaultTimeout
	wcfg.DefaultRetryCount = cfg.ActivityDefaultRetryCount
	wcfg.BackoffBase = cfg.ActivityBackoffBase
	wcfg.BackoffCap = cfg.ActivityBackoffCap
	pool := worker.New(st, eng, reg, wcfg, time.Now)

	return st, reg, eng, pool
}

func runServer(cfg config.Config) {
	st, reg, _, pool := buildRuntime(cfg)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := pool.Run(ctx); err != nil {
			log.Printf("loom: worker pool stopped: %v", err)
		}
	}()

	api := &controlapi.API{Store: st, Registry: reg, Pool: pool}
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/health", healthHandler)
	r.Mount("/", api.Router())

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("loom: server listening on :%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("loom: server failed: %v", err)
		}
	}()

	waitForShutdown()
	log.Println("loom: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("loom: server forced shutdown: %v", err)
	}
}

func runWorker(cfg config.Config) {
	st, _, _, pool := buildRuntime(cfg)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-waitForShutdownChan()
		log.Println("loom: worker shutting down")
		cancel()
	}()

	if err := pool.Run(ctx); err != nil {
		log.Printf("loom: worker pool stopped: %v", err)
	}
}

func runOnce(cfg config.Config) {
	st, _, _, pool := buildRuntime(cfg)
	defer st.Close()

	ran, err := pool.RunOnce(context.Background())
	if err != nil {
		log.Fatalf("loom: run-once: %v", err)
	}
	if !ran {
		log.Println("loom: run-once: no claimable task")
		return
	}
	log.Println("loom: run-once: processed one task")
}

func waitForShutdownChan() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return quit
}

func waitForShutdown() {
	<-waitForShutdownChan()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
