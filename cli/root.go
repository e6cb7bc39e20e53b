// Package cli defines the cobra command tree for the listing pipeline.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagFormat string
	flagDB     string
)

// NewRootCmd creates the root cobra command with global flags.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aqar",
		Short:         "Turn channel listings into knowledge-base and CRM records",
		Long:          "Polls a Telegram channel for property listings, extracts structured fields, classifies duplicates and writes new listings to Notion and Zoho CRM.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format (text|json)")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "ledger database path (default: DATABASE_PATH or real_estate.db)")

	root.AddCommand(
		newServeCmd(),
		newRunOnceCmd(),
		newStatsCmd(),
		newRequeueCmd(),
	)
	return root
}

func isJSON() bool {
	return flagFormat == "json"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}
