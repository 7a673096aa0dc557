// Package browser is the application service behind the HTTP API and CLI.
//
// A Service owns no caching logic of its own. It opens directories through a
// Source, hands out display URLs from the handle pool with a store-then-source
// fallback, renders thumbnails through the thumbnail cache, schedules
// thumbnail work for visible items and navigation neighbours, and exposes the
// cache administration operations.
//
// Only directory listing failures are returned as blocking errors. Per-item
// failures come back as typed MediaErrors that callers map to a placeholder
// with errors.FallbackFor.
package browser
