package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bananafyi/tokens/internal/billing"
	"github.com/bananafyi/tokens/internal/config"
	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/internal/ledger/backend"
	"github.com/bananafyi/tokens/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// offlineAnnotation marks commands that never touch the store.
const offlineAnnotation = "offline"

var logLevel string

type app struct {
	store  ledger.Store
	engine *billing.Engine
	logger *zap.Logger
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate the banana.fyi token ledger",
	Long: `ledgerctl reads balances and history straight from the ledger store and
runs maintenance jobs. The store is selected with DB_DRIVER and the usual DB_*
variables.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Annotations[offlineAnnotation] == "true" {
			return nil
		}

		logger, err := telemetry.NewLogger(logLevel)
		if err != nil {
			return err
		}
		dbCfg, err := config.LoadDatabaseConfig()
		if err != nil {
			return fmt.Errorf("failed to load database config: %w", err)
		}
		store, err := backend.Open(cmd.Context(), *dbCfg)
		if err != nil {
			return fmt.Errorf("failed to open ledger store: %w", err)
		}

		a := &app{
			store:  store,
			engine: billing.NewEngine(store, nil, config.BillingConfig{}, logger, nil),
			logger: logger,
		}
		cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromContext(cmd.Context())
		if err != nil {
			return nil
		}
		_ = a.logger.Sync()
		return a.store.Close()
	},
}

type contextKey string

const appKey contextKey = "app"

func appFromContext(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey).(*app)
	if !ok || a == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	return a, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
