package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mediacache/mediacache/internal/adapter"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var root string
	var dir string
	var address string
	var preload bool
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and blob server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if root != "" {
				cfg.Source.Type = "local"
				cfg.Source.Root = root
			}
			if address != "" {
				cfg.API.Address = address
			}
			if cmd.Flags().Changed("watch") {
				cfg.Source.Watch = watch
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctx.withAdapter(runCtx, true, func(a *adapter.Adapter) error {
				out := cmd.OutOrStdout()
				if cmd.Flags().Changed("dir") {
					listing, err := a.Browser().OpenDirectory(runCtx, dir)
					if err != nil {
						return fmt.Errorf("open %q: %w", dir, err)
					}
					fmt.Fprintf(out, "Opened %s: %d media files\n", displayDir(listing.Directory), len(listing.MediaEntries))
					if preload {
						a.Browser().StartPreload(listing.MediaEntries)
					}
				}

				a.Serve()
				fmt.Fprintf(out, "Serving %s on http://%s (Ctrl+C to stop)\n", sourceLabel(cfg), cfg.API.Address)
				<-runCtx.Done()
				fmt.Fprintln(out, "Shutting down")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Serve this local directory instead of the configured source")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to open at startup, relative to the source root")
	cmd.Flags().StringVar(&address, "address", "", "Listen address (overrides api.address)")
	cmd.Flags().BoolVar(&preload, "preload", false, "Warm the caches for the startup directory")
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-list the open directory when it changes")
	return cmd
}
