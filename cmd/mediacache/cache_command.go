package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mediacache/mediacache/internal/adapter"
	"github.com/mediacache/mediacache/internal/browser"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the persistent cache",
	}

	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCachePurgeCommand(ctx))
	cacheCmd.AddCommand(newCacheClearCommand(ctx))

	return cacheCmd
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show persistent cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAdapter(cmd.Context(), false, func(a *adapter.Adapter) error {
				stats, err := a.Browser().GetStats(cmd.Context())
				if err != nil {
					return err
				}
				printCacheStats(cmd.OutOrStdout(), a.Store().Path(), stats)
				return nil
			})
		},
	}
}

func printCacheStats(out io.Writer, path string, stats browser.Stats) {
	st := stats.Store
	fmt.Fprintf(out, "Database:   %s\n", path)
	fmt.Fprintf(out, "Items:      %s\n", countOf(st.ItemCount, st.MaxItems))
	fmt.Fprintf(out, "Size:       %s / %s\n", humanize.Bytes(uint64(max(st.TotalBytes, 0))), humanize.Bytes(uint64(max(st.MaxBytes, 0))))
	fmt.Fprintf(out, "Thumbnails: %d\n", st.Thumbnails)

	if len(st.ByType) == 0 {
		fmt.Fprintln(out, "Cached originals: none")
		return
	}
	kinds := make([]string, 0, len(st.ByType))
	for kind := range st.ByType {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	rows := make([][]string, 0, len(kinds))
	for _, kind := range kinds {
		ts := st.ByType[kind]
		rows = append(rows, []string{kind, fmt.Sprintf("%d", ts.Count), humanize.Bytes(uint64(max(ts.Bytes, 0)))})
	}
	fmt.Fprintln(out, renderTable([]string{"Type", "Items", "Size"}, rows, []columnAlignment{alignLeft, alignRight, alignRight}))
}

func newCachePurgeCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove cached originals and thumbnails older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("older-than") {
				return fmt.Errorf("--older-than is required (for example --older-than 720h)")
			}
			return ctx.withAdapter(cmd.Context(), false, func(a *adapter.Adapter) error {
				before, err := a.Store().Stats(cmd.Context())
				if err != nil {
					return err
				}
				res, err := a.Browser().Purge(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				after, err := a.Store().Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d originals (%s) and %d thumbnails (%d files removed)\n",
					before.ItemCount-after.ItemCount,
					humanize.Bytes(uint64(max(before.TotalBytes-after.TotalBytes, 0))),
					res.Thumbnails, res.FilesRemoved)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum age of entries to remove")
	return cmd
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete everything in the persistent cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the cache without --yes")
			}
			return ctx.withAdapter(cmd.Context(), false, func(a *adapter.Adapter) error {
				if err := a.ClearCache(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}
