package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wegman-software/overpass2geojson/internal/osmjson"
)

var countCmd = &cobra.Command{
	Use:   "count <export.json>...",
	Short: "Count the elements in Overpass JSON files",
	Long: `Count nodes, ways and relations in one pass per file.

The total can be passed to a later conversion with --total-elements to skip
its counting pass.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for _, path := range args {
			c, err := osmjson.Count(ctx, path)
			if err != nil {
				exitWithError("failed to count elements", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tnodes=%d ways=%d relations=%d skipped=%d total=%d\n",
				path, c.Nodes, c.Ways, c.Relations, c.Skipped, c.Total())
		}
	},
}

func init() {
	rootCmd.AddCommand(countCmd)
}
