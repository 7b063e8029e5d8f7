package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/synagraph/internal/config"
	"github.com/lazypower/synagraph/internal/engine"
	"github.com/lazypower/synagraph/internal/store"
)

var decayTenant string
var decayKind string

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run a one-shot decay pass",
	RunE:  runDecay,
}

func init() {
	decayCmd.Flags().StringVar(&decayTenant, "tenant", "", "tenant to decay (default: all tenants)")
	decayCmd.Flags().StringVar(&decayKind, "kind", "", "restrict the pass to one node kind")
}

func runDecay(cmd *cobra.Command, args []string) error {
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

	eng := engine.New(db, cfg.Embedding, cfg.Scoring, nil)

	tenants := []string{decayTenant}
	if decayTenant == "" {
		tenants, err = db.Tenants()
		if err != nil {
			return fmt.Errorf("list tenants: %w", err)
		}
	}

	total := 0
	for _, tenant := range tenants {
		res, err := eng.Decay(context.Background(), tenant, engine.DecayRequest{Kind: decayKind})
		if err != nil {
			return fmt.Errorf("decay tenant %s: %w", tenant, err)
		}
		total += res.Updated
	}

	fmt.Printf("decayed %d nodes across %d tenants\n", total, len(tenants))
	return nil
}
