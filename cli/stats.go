package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"aqar_pipeline/models"
	"aqar_pipeline/storage"
)

var statusOrder = []models.Status{
	models.StatusSuccessful, models.StatusDuplicate, models.StatusMultiple,
	models.StatusFailed, models.StatusPending,
}

func newStatsCmd() *cobra.Command {
	var mirror bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show ledger statistics",
		Long:  "Show record counts per status, today's intake and the most recent cycles. With --mirror the Postgres mirror counts are shown too.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd, mirror)
		},
	}
	cmd.Flags().BoolVar(&mirror, "mirror", false, "also read counts from POSTGRES_MIRROR_URL")
	return cmd
}

type statsOutput struct {
	*models.LedgerStats
	Cycles []models.ProcessingCycle `json:"cycles"`
	Mirror map[models.Status]int    `json:"mirror,omitempty"`
}

func runStats(cmd *cobra.Command, withMirror bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}
	cycles, err := store.RecentCycles(5)
	if err != nil {
		return err
	}
	out := statsOutput{LedgerStats: stats, Cycles: cycles}

	if withMirror {
		if cfg.Postgres.MirrorURL == "" {
			warnf("POSTGRES_MIRROR_URL is not set")
		} else {
			m, err := storage.NewPostgresMirror(cmd.Context(), cfg.Postgres.MirrorURL)
			if err != nil {
				return fmt.Errorf("connect mirror: %w", err)
			}
			defer m.Close()
			if out.Mirror, err = m.CountByStatus(cmd.Context()); err != nil {
				return err
			}
		}
	}

	if isJSON() {
		return printJSON(out)
	}
	printStats(os.Stdout, out)
	return nil
}

func printStats(w io.Writer, s statsOutput) {
	fmt.Fprintf(w, "Total: %d  Today: %d\n", s.Total, s.Today)
	for _, st := range statusOrder {
		fmt.Fprintf(w, "  %-14s %d\n", st, s.ByStatus[st])
	}
	if s.Mirror != nil {
		fmt.Fprintln(w, "Mirror:")
		for _, st := range statusOrder {
			fmt.Fprintf(w, "  %-14s %d\n", st, s.Mirror[st])
		}
	}
	if len(s.Cycles) == 0 {
		return
	}
	fmt.Fprintln(w, "Recent cycles:")
	for _, c := range s.Cycles {
		fmt.Fprintf(w, "  %s  %-9s  processed %d, ok %d, dup %d, failed %d\n",
			c.StartedAt.Local().Format(time.DateTime), c.Status, c.Total, c.Successful, c.Duplicate, c.Failed)
	}
}
