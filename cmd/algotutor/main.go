package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/algotutor/internal/auth"
	"github.com/joestump/algotutor/internal/catalog"
	"github.com/joestump/algotutor/internal/config"
	"github.com/joestump/algotutor/internal/executor"
	"github.com/joestump/algotutor/internal/store"
	"github.com/joestump/algotutor/internal/tutor"
	"github.com/joestump/algotutor/internal/web"
	"github.com/joestump/algotutor/internal/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "algotutor",
		Short: "Interactive algorithm tutor backed by a CLI coding agent",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 8080, "HTTP listen port")
	f.String("password", "", "shared password; empty disables auth")
	f.Int("park-ttl", 300, "seconds a disconnected tutor survives before termination")
	f.Int("park-capacity", 32, "maximum number of parked tutors")
	f.Int("sweep-interval", 30, "seconds between parked-tutor sweeps")
	f.Int("exec-cpu", 10, "CPU-time cap in seconds for learner code")
	f.Int("exec-memory", 512, "address-space cap in MB for learner code")
	f.String("sessions-dir", "./data/sessions", "directory for session records")
	f.String("workspaces-dir", "./data/workspaces", "directory for per-session workspaces")
	f.String("problems-dir", "./problems", "directory of problem definitions")
	f.String("python-bin", "python3", "Python interpreter for learner code")
	f.String("tutor-bin", "claude", "tutor backend binary")
	f.String("tutor-model", "sonnet", "model for tutor conversations")
	f.String("summary-model", "claude-haiku-4-5", "Anthropic model for session summaries")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("password", "password")
	bindFlag("park_ttl_seconds", "park-ttl")
	bindFlag("park_capacity", "park-capacity")
	bindFlag("sweep_interval_seconds", "sweep-interval")
	bindFlag("exec_cpu_seconds", "exec-cpu")
	bindFlag("exec_memory_mb", "exec-memory")
	bindFlag("sessions_dir", "sessions-dir")
	bindFlag("workspaces_dir", "workspaces-dir")
	bindFlag("problems_dir", "problems-dir")
	bindFlag("python_bin", "python-bin")
	bindFlag("tutor_bin", "tutor-bin")
	bindFlag("tutor_model", "tutor-model")
	bindFlag("summary_model", "summary-model")

	// Environment variables use their documented names directly (no common
	// prefix), so each key is bound explicitly.
	_ = viper.BindEnv("port", "TUTOR_PORT")
	_ = viper.BindEnv("password", "TUTOR_PASSWORD")
	_ = viper.BindEnv("park_ttl_seconds", "PARK_TTL_SECONDS")
	_ = viper.BindEnv("park_capacity", "PARK_CAPACITY")
	_ = viper.BindEnv("sweep_interval_seconds", "SWEEP_INTERVAL_SECONDS")
	_ = viper.BindEnv("exec_cpu_seconds", "EXEC_CPU_SECONDS")
	_ = viper.BindEnv("exec_memory_mb", "EXEC_MEMORY_MB")
	_ = viper.BindEnv("sessions_dir", "SESSIONS_DIR")
	_ = viper.BindEnv("workspaces_dir", "WORKSPACES_DIR")
	_ = viper.BindEnv("problems_dir", "PROBLEMS_DIR")
	_ = viper.BindEnv("python_bin", "PYTHON_BIN")
	_ = viper.BindEnv("tutor_bin", "TUTOR_BIN")
	_ = viper.BindEnv("tutor_model", "TUTOR_MODEL")
	_ = viper.BindEnv("summary_model", "SUMMARY_MODEL")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Info().
		Str("version", config.Version).
		Int("port", cfg.Port).
		Bool("auth", cfg.AuthRequired()).
		Str("problems_dir", cfg.ProblemsDir).
		Str("sessions_dir", cfg.SessionsDir).
		Msg("algotutor starting")

	cat, err := catalog.Load(cfg.ProblemsDir, log)
	if err != nil {
		return fmt.Errorf("load problem catalog: %w", err)
	}
	log.Info().Int("problems", len(cat.List())).Msg("catalog loaded")

	st, err := store.New(cfg.SessionsDir, log)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	hist, err := store.NewHistory(cfg.SessionsDir, log)
	if err != nil {
		return fmt.Errorf("open problem history: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkspacesDir, 0o755); err != nil {
		return fmt.Errorf("create workspaces dir: %w", err)
	}

	exec := executor.New(&cfg, log)
	tokens := auth.New(cfg.Password, log)
	registry := tutor.NewRegistry(
		time.Duration(cfg.ParkTTLSeconds)*time.Second,
		cfg.ParkCapacity,
		time.Duration(cfg.SweepIntervalSeconds)*time.Second,
		log,
	)

	runner := &tutor.CLIRunner{Bin: cfg.TutorBin}
	wsh := ws.NewHandler(&cfg, st, cat, registry, runner, tokens, log)
	server := web.New(&cfg, st, hist, cat, exec, tokens, wsh, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tokens.PruneLoop(ctx)
	go registry.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("web server shutdown")
	}

	// Parked tutors are child processes; reap them before exit.
	registry.KillAll()

	return nil
}
