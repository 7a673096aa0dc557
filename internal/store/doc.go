// Package store is the persistent object store.
//
// Original media bytes live in the assets table of an SQLite database
// (modernc.org/sqlite, no cgo). Thumbnail metadata lives in thumbnail_meta and
// the encoded thumbnail bytes are written as files under thumbs/. Both tables
// survive restarts.
//
// Capacity is bounded by item count and total bytes. Put runs an eviction pass
// that removes the least frequently used assets first, breaking ties by least
// recent access. Once triggered, a pass drains to EvictionTarget of MaxBytes.
// Thumbnails are not counted against these bounds.
//
// Read failures never surface to callers of Get or GetThumbnail; they are
// logged and reported as misses.
package store
