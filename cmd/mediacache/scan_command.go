package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mediacache/mediacache/internal/adapter"
	"github.com/mediacache/mediacache/internal/browser"
	"github.com/mediacache/mediacache/pkg/types"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "scan [dir]",
		Short: "List a directory and warm its originals and thumbnails",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if root != "" {
				cfg.Source.Type = "local"
				cfg.Source.Root = root
			}
			cfg.Source.Watch = false

			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctx.withAdapter(runCtx, false, func(a *adapter.Adapter) error {
				start := time.Now()
				svc := a.Browser()
				listing, err := svc.OpenDirectory(runCtx, dir)
				if err != nil {
					return err
				}

				res, preloadErr := svc.Preload(runCtx, listing.MediaEntries)
				if preloadErr != nil && !errors.Is(preloadErr, runCtx.Err()) {
					return preloadErr
				}

				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(listing.MediaEntries))
				for _, e := range listing.MediaEntries {
					rows = append(rows, scanRow(runCtx, svc, e))
				}
				fmt.Fprintf(out, "%s (%d subdirectories)\n", displayDir(listing.Directory), len(listing.Subdirectories))
				if len(rows) > 0 {
					fmt.Fprintln(out, renderTable(
						[]string{"Name", "Type", "Size", "Modified", "Thumbnail"},
						rows,
						[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
					))
				}
				printScanSummary(out, res, time.Since(start))
				return preloadErr
			})
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Scan this local directory instead of the configured source")
	return cmd
}

func scanRow(ctx context.Context, svc *browser.Service, e types.Entry) []string {
	thumb := "unavailable"
	switch {
	case e.MediaType == types.MediaAudio:
		thumb = "n/a"
	default:
		if _, ok := svc.GetThumbnailURL(ctx, e.Identity()); ok {
			thumb = "cached"
		}
	}
	modified := ""
	if !e.ModifiedAt.IsZero() {
		modified = e.ModifiedAt.Local().Format("2006-01-02 15:04")
	}
	return []string{e.Name, e.MediaType.String(), humanize.Bytes(uint64(max(e.Size, 0))), modified, thumb}
}

func printScanSummary(out io.Writer, res browser.PreloadResult, elapsed time.Duration) {
	fmt.Fprintf(out, "Processed %d of %d", res.Processed, res.Total)
	if res.Failed > 0 {
		fmt.Fprintf(out, ", %d failed", res.Failed)
	}
	if res.Canceled {
		fmt.Fprintf(out, ", canceled with %d skipped", res.Skipped)
	}
	fmt.Fprintf(out, " in %s\n", elapsed.Round(time.Millisecond))
}
