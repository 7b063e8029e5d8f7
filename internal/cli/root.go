package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "synagraph",
	Short: "Multi-tenant knowledge-graph storage and propagation core",
	Long:  "Synagraph persists typed nodes and weighted edges with vector embeddings, scores their temporal relevance, ranks them by hybrid similarity, and announces every mutation through a transactional outbox.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decayCmd)
	rootCmd.AddCommand(drainCmd)
}
