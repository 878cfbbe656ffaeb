package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/groupfetch/internal/config"
	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/storage"
	"github.com/spf13/cobra"
)

func newGroupsCmd() *cobra.Command {
	var resumable bool

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List stored groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			if cfg.Store != "sqlite" {
				return fmt.Errorf("groups are only kept across runs with STORE=sqlite")
			}

			store, closeStore, err := openStore(cfg, nil)
			if err != nil {
				return err
			}
			defer closeStore()

			groups, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list groups: %w", err)
			}

			if resumable {
				groups = storage.Resumable(groups)
			}

			return printGroups(cmd.OutOrStdout(), groups)
		},
	}

	cmd.Flags().BoolVar(&resumable, "resumable", false, "only show groups that can be resumed")

	return cmd
}

func printGroups(out io.Writer, groups []*group.Group) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "KEY\tSTATE\tFILES\tPROGRESS\tUPDATED")

	for _, g := range groups {
		done := 0

		for _, st := range g.SubTasks {
			if st.State == group.StateCompleted {
				done++
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			g.Key, g.State, done, len(g.SubTasks), progress(g), humanize.Time(g.UpdatedAt))
	}

	return w.Flush()
}

func progress(g *group.Group) string {
	if g.TotalBytes <= 0 {
		return humanize.Bytes(uint64(max(g.DownloadedBytes, 0)))
	}

	return fmt.Sprintf("%s / %s", humanize.Bytes(uint64(g.DownloadedBytes)), humanize.Bytes(uint64(g.TotalBytes)))
}
