package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ehrlich-b/operator/internal/config"
	"github.com/ehrlich-b/operator/internal/pushchan"
	"github.com/ehrlich-b/operator/internal/queue"
	"github.com/ehrlich-b/operator/internal/registry"
	"github.com/ehrlich-b/operator/internal/server"
	"github.com/ehrlich-b/operator/internal/storage"
	"github.com/ehrlich-b/operator/internal/transcript"
	"github.com/ehrlich-b/operator/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "operator",
		Short:   "Distributed LLM inference coordinator",
		Version: version.Version,
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator's HTTP server",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Address to listen on (overrides config server_port)")
	cmd.Flags().String("data-dir", "", "Directory for the embedded SQLite database (default: current directory)")
	cmd.Flags().String("config-dir", ".", "Directory to search for operator.yaml/.toml/.json")
	return cmd
}

// runServe wires up and starts the server. Flags take their default
// from the config file; OPERATOR_* env vars take precedence over both.
func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configDir, _ := cmd.Flags().GetString("config-dir")

	if v := os.Getenv("OPERATOR_ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("OPERATOR_DATA_DIR"); v != "" {
		dataDir = v
	}

	log := slog.Default()

	cfg, name, err := config.Load(configDir)
	if err != nil && err != config.ErrNoConfig {
		return fmt.Errorf("load config: %w", err)
	}
	if name != "" {
		log.Info("loaded config", "file", name)
	} else {
		log.Info("no config file found, using defaults")
	}

	if v := os.Getenv("OPERATOR_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("OPERATOR_SECRET_KEY"); v != "" {
		cfg.Database.EncryptionSecret = v
	}
	if v := os.Getenv("OPERATOR_REGISTER_TOKEN"); v != "" {
		cfg.Auth.RegisterToken = v
	}
	if v := os.Getenv("OPERATOR_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("OPERATOR_R2_ACCOUNT_ID"); v != "" {
		cfg.Archive.AccountID = v
	}
	if v := os.Getenv("OPERATOR_R2_ACCESS_KEY_ID"); v != "" {
		cfg.Archive.AccessKeyID = v
	}
	if v := os.Getenv("OPERATOR_R2_SECRET_ACCESS_KEY"); v != "" {
		cfg.Archive.SecretAccessKey = v
	}
	if v := os.Getenv("OPERATOR_R2_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}

	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.ServerPort)
	}

	if dataDir != "" && cfg.Database.URL == "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		cfg.Database.URL = filepath.Join(dataDir, "operator.db")
	}

	store, err := openStorage(cfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	auth := server.NewWorkerAuth(server.AuthConfig{
		RegisterToken: cfg.Auth.RegisterToken,
		JWTSecret:     cfg.Auth.JWTSecret,
	})
	if auth.Enabled() {
		log.Info("worker authentication enabled")
	} else {
		log.Warn("worker authentication disabled - no register_token or jwt_secret configured")
	}

	reg := registry.New()
	channels := pushchan.New()
	jobQueue := queue.New()

	dispatcher := server.NewDispatcher(reg, channels, jobQueue, store, log)
	relay := server.NewRelay(dispatcher, jobQueue, 0, 0, log)
	workerStream := server.NewWorkerStreamHandler(reg, channels, auth, log)
	api := server.NewAPI(reg, channels, jobQueue, dispatcher, store, auth, cfg.Pricing.PricePerToken, log)

	if arch, err := openArchiver(cmd.Context(), cfg, log); err != nil {
		log.Warn("transcript archive disabled", "error", err)
	} else if arch != nil {
		api.SetArchiver(arch)
		defer arch.Close()
		log.Info("transcript archive configured", "bucket", cfg.Archive.Bucket)
	}

	liveness := server.NewLiveness(reg, channels, cfg.HealthCheckInterval.Duration(), cfg.HealthCheckTimeout.Duration(), log)
	liveness.Start()
	defer liveness.Stop()

	mux := http.NewServeMux()
	mux.Handle("/inference", relay)
	mux.Handle("/stream", workerStream)
	mux.Handle("/", api)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down server")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}

	return nil
}

// openStorage selects the ledger backend from cfg.Database.URL: a
// postgres:// scheme switches to lib/pq, anything else (including
// empty) uses the embedded modernc.org/sqlite default.
func openStorage(cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	if cfg.UsesPostgres() {
		return storage.NewPostgres(cfg.Database.URL, cfg.Database.EncryptionSecret, log)
	}

	dsn := cfg.Database.URL
	if dsn == "" {
		dsn = "operator.db"
	}
	return storage.NewSQLite(dsn, cfg.Database.EncryptionSecret, log)
}

// openArchiver returns a configured transcript.Archiver, or nil if
// cfg.Archive.Bucket is unset — the archive is an optional concern,
// never required for the core accounting flow.
func openArchiver(ctx context.Context, cfg *config.Config, log *slog.Logger) (transcript.Archiver, error) {
	if cfg.Archive.Bucket == "" {
		return nil, nil
	}
	return transcript.NewR2Archiver(ctx, transcript.R2Config{
		AccountID:       cfg.Archive.AccountID,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		Bucket:          cfg.Archive.Bucket,
	}, log)
}
