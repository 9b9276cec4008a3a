package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/skywatch/corroborate/internal/config"
	"github.com/skywatch/corroborate/internal/logging"
	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/storage/memory"
	"github.com/skywatch/corroborate/internal/storage/sqlite"
)

var (
	cfg    config.Config
	logger *slog.Logger

	configPath string
	envFile    string
	dbPath     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "corroborate",
	Short: "Consolidate drone-sighting reports into canonical incidents",
	Long: `corroborate decides which scraped drone-sighting reports describe the same
event, merges them into one incident per event and scores how well each
incident is corroborated.

Configuration is read from --config (YAML), then CORROBORATE_* environment
variables. A .env file in the working directory is loaded first if present.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			loaded.Storage.Driver = config.DriverSQLite
			loaded.Storage.Path = dbPath
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		l, err := logging.New(loaded.Logging.Level, loaded.Logging.Format, os.Stderr)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = l
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load before reading configuration")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite ledger path (implies the sqlite driver)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

// loadEnvFile loads path into the environment without overriding variables
// already set. A missing file is ignored.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// openStore opens the configured ledger.
func openStore(ctx context.Context, sc config.StorageConfig) (storage.Store, error) {
	switch sc.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		s, err := sqlite.New(ctx, sc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger %s: %w", sc.Path, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
