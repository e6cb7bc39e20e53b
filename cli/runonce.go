package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run a single processing cycle and exit",
		Args:  cobra.NoArgs,
		RunE:  runRunOnce,
	}
}

func runRunOnce(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cycle, err := a.orch.RunCycle(ctx)
	if cycle == nil {
		return err
	}
	if isJSON() {
		if perr := printJSON(cycle); perr != nil {
			return perr
		}
		return err
	}
	fmt.Printf("Cycle %s (%s)\n", cycle.ID, cycle.Status)
	fmt.Printf("  ingested:   %d\n", cycle.Ingested)
	fmt.Printf("  requeued:   %d\n", cycle.Requeued)
	fmt.Printf("  processed:  %d\n", cycle.Total)
	fmt.Printf("  successful: %d (multiple: %d)\n", cycle.Successful, cycle.Multiple)
	fmt.Printf("  duplicate:  %d\n", cycle.Duplicate)
	fmt.Printf("  failed:     %d\n", cycle.Failed)
	return err
}
