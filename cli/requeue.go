package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"aqar_pipeline/models"
	"aqar_pipeline/storage"
)

func newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [record-id]",
		Short: "Queue failed records for another attempt",
		Long:  "Enqueue a requeue command for the running daemon. With a record id the record is retried even past the attempt ceiling; without one every failed record below the ceiling is requeued.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRequeue,
	}
}

func runRequeue(cmd *cobra.Command, args []string) error {
	var params *models.CommandParams
	if len(args) == 1 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid record ID: %s", args[0])
		}
		params = &models.CommandParams{RecordID: id}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if params != nil {
		rec, err := store.GetRecord(params.RecordID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("record %d not found", params.RecordID)
		}
		if rec.Status != models.StatusFailed {
			return fmt.Errorf("record %d is %s, only failed records can be requeued", rec.ID, rec.Status)
		}
	}

	id, err := store.EnqueueCommand(models.CmdRequeue, params)
	if err != nil {
		return err
	}
	if isJSON() {
		return printJSON(map[string]interface{}{"command_id": id, "params": params})
	}
	fmt.Printf("Queued requeue command #%d\n", id)
	return nil
}
