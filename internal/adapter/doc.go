/*
Package adapter wires a complete media cache instance from a Configuration.

The Adapter is the composition root shared by the serve and scan commands. It
owns the lifecycle of every component and is the only place that knows how
they fit together:

	                ┌──────────────┐
	                │  api.Server  │  /api/*, /blob/*, /health, /metrics
	                └──────┬───────┘
	                       │
	                ┌──────┴───────┐
	                │   browser    │  display leases, thumbnails, navigation,
	                │   Service    │  preload, cache administration
	                └──────┬───────┘
	   ┌──────────┬────────┼─────────┬────────────┐
	┌──┴───┐ ┌────┴────┐ ┌─┴──────┐ ┌┴─────────┐ ┌┴─────────┐
	│source│ │ handles │ │thumbnail│ │scheduler │ │navigation│
	│local │ │  Pool   │ │  Cache  │ │          │ │Sequencer │
	│ / s3 │ └────┬────┘ └───┬─────┘ └──────────┘ └──────────┘
	└──────┘      │          │
	         ┌────┴───┐  ┌───┴───┐
	         │ blobs  │  │ store │  SQLite cache.db + thumbs/
	         └────────┘  └───────┘

# Startup

New validates the configuration, creates the cache directory and takes an
exclusive lock on it so two processes never share one SQLite database. It
then opens the store and builds the remaining components. Video thumbnails
are disabled with a warning when ffmpeg or ffprobe cannot be found.

Start launches the load scheduler and the periodic health checks. Serve
additionally starts the HTTP API in the background.

# Shutdown

Stop shuts the HTTP server down within api.shutdown_timeout, cancels health
checks and preloads, releases every outstanding display lease, closes the
store and finally releases the cache lock. Stop is idempotent.

# Usage

	adapter, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := adapter.Start(ctx); err != nil {
		return err
	}
	adapter.Serve()
	<-ctx.Done()
	return adapter.Stop(context.Background())
*/
package adapter
