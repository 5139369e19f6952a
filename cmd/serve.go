package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facefinder/internal/cache"
	"github.com/andresmejia3/facefinder/internal/observability"
	"github.com/andresmejia3/facefinder/internal/recognition"
	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/utils"
	"github.com/andresmejia3/facefinder/internal/web"
)

var (
	serveHost       string
	servePort       int
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API that accepts recognition tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Grace period for in-flight runs on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if serveHost != "" {
		Cfg.Web.Host = serveHost
	}
	if servePort != 0 {
		Cfg.Web.Port = servePort
	}

	for _, dir := range []string{Cfg.Storage.UploadDir, Cfg.Storage.ResultDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	db, err := openDB(ctx)
	if err != nil {
		utils.ShowError("Failed to connect to database", err, nil)
		return err
	}

	var tasks store.TaskStore = db
	if Cfg.Redis.Addr != "" {
		client, err := cache.Connect(ctx, Cfg.Redis.Addr, Cfg.Redis.Password, Cfg.Redis.DB)
		if err != nil {
			// The cache is optional; the database stays authoritative
			Log.Warn("redis unavailable, serving status from the database", "addr", Cfg.Redis.Addr, "error", err)
		} else {
			defer client.Close()
			tasks = cache.NewCachedStore(db, cache.NewStatusCache(client, Cfg.Redis.StatusTTL), Log)
		}
	}

	// The provider outlives the signal context so in-flight runs can drain during shutdown
	provider, release, err := newProvider(context.WithoutCancel(ctx), Cfg.Embedding)
	if err != nil {
		return err
	}
	defer release()

	var runner web.Runner = recognition.NewOrchestrator(recognitionConfig(Cfg), provider, tasks, Log)
	var opts []web.Option
	if Cfg.Web.Metrics {
		handler, shutdownMetrics, err := observability.InitMetrics()
		if err != nil {
			return err
		}
		defer shutdownMetrics(context.Background())

		instrumented, err := observability.Instrument(runner)
		if err != nil {
			return err
		}
		runner = instrumented
		opts = append(opts, web.WithMetrics(handler))
	}
	srv := web.NewServer(Cfg, tasks, runner, Log, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	fmt.Println("\n🛑 Shutting down, waiting for running tasks...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		Log.Error("shutdown incomplete", "error", err)
		return err
	}
	Log.Info("server stopped")
	return nil
}
