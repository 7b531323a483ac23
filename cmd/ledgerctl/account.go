package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/bananafyi/tokens/internal/billing"
	"github.com/bananafyi/tokens/internal/ledger"
	"github.com/bananafyi/tokens/pkg/models"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	usageLimit  int
	usageOffset int
)

const timeLayout = "2006-01-02 15:04:05"

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's token balance breakdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromContext(cmd.Context())
		if err != nil {
			return err
		}
		b, err := a.engine.Balances.Balance(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error reading balance: %w", err)
		}
		renderBalance(os.Stdout, b)
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage <user-id>",
	Short: "List a user's usage records, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromContext(cmd.Context())
		if err != nil {
			return err
		}
		records, err := a.engine.UsageHistory(cmd.Context(), args[0], usageLimit, usageOffset)
		if err != nil {
			return fmt.Errorf("error listing usage: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No usage found.")
			return nil
		}
		renderUsage(os.Stdout, records)
		return nil
	},
}

var purchasesCmd = &cobra.Command{
	Use:   "purchases <user-id>",
	Short: "List a user's purchases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromContext(cmd.Context())
		if err != nil {
			return err
		}
		purchases, err := a.engine.Purchases.History(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error listing purchases: %w", err)
		}
		if len(purchases) == 0 {
			fmt.Println("No purchases found.")
			return nil
		}
		renderPurchases(os.Stdout, purchases)
		return nil
	},
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func renderBalance(w io.Writer, b *billing.Balance) {
	table := newTable(w, []string{"User", "Purchased", "Pending", "Used", "Available"})
	table.Append([]string{
		b.UserID,
		strconv.FormatInt(b.Purchased, 10),
		strconv.FormatInt(b.Pending, 10),
		strconv.FormatInt(b.Used, 10),
		strconv.FormatInt(b.Available, 10),
	})
	table.Render()
}

func renderUsage(w io.Writer, records []models.UsageRecord) {
	table := newTable(w, []string{"ID", "Operation", "Status", "Estimated", "Used", "Created"})
	for _, r := range records {
		used := "-"
		if r.TokensUsed != nil {
			used = strconv.FormatInt(*r.TokensUsed, 10)
		}
		table.Append([]string{
			r.ID.String(),
			string(r.OperationType),
			string(r.Status),
			strconv.FormatInt(r.EstimatedTokens, 10),
			used,
			r.CreatedAt.Local().Format(timeLayout),
		})
	}
	table.Render()
}

func renderPurchases(w io.Writer, purchases []models.PurchaseRecord) {
	table := newTable(w, []string{"ID", "Pack", "Tokens", "Paid", "Session", "Created"})
	for _, p := range purchases {
		table.Append([]string{
			p.ID.String(),
			string(p.PackType),
			strconv.FormatInt(p.TokensAmount, 10),
			fmt.Sprintf("%d %s", p.AmountPaid, p.Currency),
			p.StripeSessionID,
			p.CreatedAt.Local().Format(timeLayout),
		})
	}
	table.Render()
}

func init() {
	usageCmd.Flags().IntVarP(&usageLimit, "limit", "n", ledger.DefaultListLimit, "Maximum number of records to show")
	usageCmd.Flags().IntVar(&usageOffset, "offset", 0, "Number of records to skip")

	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(purchasesCmd)
}
