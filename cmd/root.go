package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/config"
	"github.com/andresmejia3/emoscope/internal/logging"
	"github.com/andresmejia3/emoscope/internal/pipeline"
	"github.com/andresmejia3/emoscope/internal/store"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the configuration shared by subcommands
	Cfg *config.Config
	// DB is the session history store; nil when no database is configured
	DB *store.Store

	cfgPath  string
	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

// needsDB marks commands that cannot run without session history.
const needsDB = "needs-db"

var rootCmd = &cobra.Command{
	Use:           "emoscope",
	Short:         "Facial emotion detection for images, videos and live camera feeds",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			cfg.Database.URL = dbURL
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if err := logging.Setup(cfg.Log.Level, cfg.Log.JSON, os.Stderr); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		Cfg = cfg

		required := cmd.Annotations[needsDB] == "true"
		if cfg.Database.URL == "" {
			if required {
				return errors.New("no database configured: pass --db or set POSTGRES_HOST")
			}
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), cfg.Database.URL)
		if err != nil {
			if required {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			log.Warn().Err(err).Msg("session history disabled")
			DB = nil
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !alreadyReported(err) {
			utils.Die("Command failed", err, nil)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to a YAML config file (default: ./"+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for session history (default: built from POSTGRES_* variables)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// reportedError is a failure that has already been shown to the user.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// alreadyReported is true when err was shown to the user before reaching Execute.
func alreadyReported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}

// history returns the store as a pipeline.History, or nil when recording is off.
func history() pipeline.History {
	if DB == nil {
		return nil
	}
	return DB
}

// probe runs the capability probe against the real host.
func probe(ctx context.Context) types.Capabilities {
	return capability.Probe(ctx, Cfg, capability.SystemEnv())
}
