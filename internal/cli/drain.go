package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/synagraph/internal/config"
	"github.com/lazypower/synagraph/internal/store"
)

var drainBatch int
var drainAck bool

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Print unpublished outbox events in commit order",
	Long:  "Drain pulls one batch of unpublished events and prints them as JSON lines. With --ack, the printed events are marked published; without it they stay redeliverable.",
	RunE:  runDrain,
}

func init() {
	drainCmd.Flags().IntVar(&drainBatch, "batch", 100, "maximum events to pull")
	drainCmd.Flags().BoolVar(&drainAck, "ack", false, "mark printed events published")
}

func runDrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	events, err := db.Drain(drainBatch)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}

	if drainAck && len(events) > 0 {
		ids := make([]int64, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
		}
		if err := db.Ack(ids); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
	}

	fmt.Fprintf(os.Stderr, "%d events\n", len(events))
	return nil
}
