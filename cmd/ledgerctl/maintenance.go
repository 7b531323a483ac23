package main

import (
	"fmt"
	"time"

	"github.com/bananafyi/tokens/internal/billing"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	sweepOlderThan time.Duration
	sweepBatchSize int
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail pending reservations older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if sweepOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		sweeper := billing.NewSweeper(a.store, sweepOlderThan, 0, sweepBatchSize, a.logger, nil)
		n, err := sweeper.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep failed after releasing %d reservations: %w", n, err)
		}
		fmt.Printf("Released %d stale reservations.\n", n)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <usage-id>",
	Short: "Fail one pending reservation and return its hold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromContext(cmd.Context())
		if err != nil {
			return err
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid usage id %q: %w", args[0], err)
		}
		rec, err := a.engine.Reservations.Fail(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("error releasing reservation: %w", err)
		}
		fmt.Printf("Reservation %s is %s.\n", rec.ID, rec.Status)
		return nil
	},
}

// Opening the store applies the schema, so migrate only has to confirm it.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := a.store.Ping(cmd.Context()); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		fmt.Println("Ledger schema is up to date.")
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 30*time.Minute, "Age after which a pending reservation is considered stuck")
	sweepCmd.Flags().IntVar(&sweepBatchSize, "batch-size", 100, "Reservations released per store query")

	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(migrateCmd)
}
