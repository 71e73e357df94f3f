package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gossipmill/internal/state"
)

func init() {
	rootCmd.AddCommand(galleryCmd)
	galleryCmd.Flags().Int("limit", 20, "maximum number of artifacts to show (0 for all)")
}

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "List stored artifacts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg := loadConfig()
		store := state.NewArtifactStore(cfg.OutDir)

		ctx := context.Background()
		ids, err := store.List(ctx)
		if err != nil {
			return fmt.Errorf("list artifacts: %w", err)
		}
		if len(ids) == 0 {
			fmt.Println("No artifacts yet.")
			return nil
		}
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tGEN\tMUTATION\tPARENT\tHEADLINE")
		for _, id := range ids {
			meta, err := store.ReadMetadata(ctx, id)
			if err != nil || meta == nil {
				fmt.Fprintf(w, "%s\t-\t-\t-\t(no metadata)\n", id)
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
				id,
				meta.Generation,
				orDash(string(meta.Mutation)),
				orDash(meta.Parent),
				truncate(meta.Headline, 60),
			)
		}
		return w.Flush()
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
