// ABOUTME: "stats" command that prints exchange ledger totals.
// ABOUTME: Summarizes usage overall or for one room, and per backend endpoint.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/ollama-relay/internal/config"
	"github.com/2389/ollama-relay/internal/store"
)

var (
	statsRoom   string
	statsSince  time.Duration
	statsRecent int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print usage totals from the exchange ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := getConfigPath()
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config from %s: %w", configPath, err)
		}
		if cfg.Database.Path == "" {
			return errors.New("database.path is not set, so no ledger is kept")
		}

		db, err := store.NewSQLiteStore(cfg.Database.Path, setupLogger("error", cfg.Logging.Format))
		if err != nil {
			return fmt.Errorf("opening exchange ledger: %w", err)
		}
		defer func() { _ = db.Close() }()

		filter := store.UsageFilter{}
		if statsRoom != "" {
			filter.ChannelID = &statsRoom
		}
		if statsSince > 0 {
			since := time.Now().Add(-statsSince)
			filter.Since = &since
		}
		return printStats(cmd.Context(), cmd.OutOrStdout(), db, filter, statsRecent)
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsRoom, "room", "", "only count exchanges in this room ID")
	statsCmd.Flags().DurationVar(&statsSince, "since", 0, "only count exchanges newer than this, e.g. 24h")
	statsCmd.Flags().IntVar(&statsRecent, "recent", 5, "with --room, list this many recent exchanges")
	rootCmd.AddCommand(statsCmd)
}

func printStats(ctx context.Context, w io.Writer, ledger store.Ledger, filter store.UsageFilter, recent int) error {
	stats, err := ledger.GetUsageStats(ctx, filter)
	if err != nil {
		return err
	}
	endpoints, err := ledger.GetEndpointUsage(ctx, filter)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)

	_, _ = bold.Fprintln(w, "Exchanges")
	fmt.Fprintf(w, "  total:          %d\n", stats.ExchangeCount)
	fmt.Fprintf(w, "  continued:      %d\n", stats.ContinuedCount)
	fmt.Fprintf(w, "  prompt tokens:  %d\n", stats.TotalPromptTokens)
	fmt.Fprintf(w, "  output tokens:  %d\n", stats.TotalEvalTokens)
	fmt.Fprintf(w, "  messages sent:  %d\n", stats.TotalSegments)
	fmt.Fprintf(w, "  avg duration:   %s\n", stats.AvgDuration.Round(time.Millisecond))

	if len(endpoints) > 0 {
		fmt.Fprintln(w)
		_, _ = bold.Fprintln(w, "Backends")
		for _, e := range endpoints {
			_, _ = cyan.Fprintf(w, "  %s", e.Endpoint)
			fmt.Fprintf(w, "  %d exchanges, last %s\n", e.ExchangeCount, e.LastUsed.Local().Format(time.DateTime))
		}
	}

	if filter.ChannelID != nil && recent > 0 {
		exchanges, err := ledger.GetChannelExchanges(ctx, *filter.ChannelID, recent)
		if err != nil {
			return err
		}
		if len(exchanges) > 0 {
			fmt.Fprintln(w)
			_, _ = bold.Fprintln(w, "Recent")
			for _, ex := range exchanges {
				fmt.Fprintf(w, "  %s  %-24s %4d tokens  %s\n",
					ex.CreatedAt.Local().Format(time.DateTime), ex.Sender, ex.EvalCount, ex.Duration.Round(time.Millisecond))
			}
		}
	}
	return nil
}
