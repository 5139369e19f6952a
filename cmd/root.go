package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facefinder/internal/config"
	"github.com/andresmejia3/facefinder/internal/logger"
	"github.com/andresmejia3/facefinder/internal/store"
)

var (
	// Cfg is the configuration shared by subcommands, loaded before any of them runs
	Cfg *config.Config
	// Log is the structured logger built from Cfg
	Log *slog.Logger
	// DB is opened on demand by commands that need task persistence
	DB *store.Postgres

	dbURL      string
	configPath string
	envFile    string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facefinder",
	Short:   "Find reference faces in videos and report when they appear",
	Version: Version, // This enables the --version flag

	// Execute prints errors itself
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			os.Setenv(config.FileEnv, configPath)
		}

		var err error
		Cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}

		Log = logger.New(logger.Options{Level: Cfg.Log.Level, Format: Cfg.Log.Format})
		slog.SetDefault(Log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
			DB = nil
		}
	},
}

// openDB connects to PostgreSQL using the command's context.
func openDB(ctx context.Context) (*store.Postgres, error) {
	if DB != nil {
		return DB, nil
	}
	var err error
	DB, err = store.New(ctx, Cfg.Database.URL, int32(Cfg.Database.MaxConns))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return DB, nil
}

// loadEnv reads .env style files into the environment. Missing files are not an error.
func loadEnv() {
	files := []string{".env"}
	if envFile != "" {
		files = []string{envFile}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && envFile != "" {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to load %s: %v\n", f, err)
		}
	}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadEnv)
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: DATABASE_URL or POSTGRES_*)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default: $FACEFINDER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default: .env if present)")
}
