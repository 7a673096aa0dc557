/*
Package types provides the shared data model and the contracts between mediacache components.

Every caching layer in mediacache is keyed by Identity, a value type derived from a file's name,
modification time and size. Two directory entries with the same Identity are treated as the same
logical content even when they were produced by separate reads of the directory.

# Layering

	┌─────────────────────────────────────────────┐
	│                HTTP API                     │
	│            (internal/api)                   │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            Browser service                  │
	│           (internal/browser)                │
	└─────────────────────────────────────────────┘
	      │          │          │          │
	┌─────┴───┐ ┌────┴────┐ ┌───┴─────┐ ┌──┴───────┐
	│ Handles │ │Thumbnail│ │Scheduler│ │Navigation│
	└─────────┘ └─────────┘ └─────────┘ └──────────┘
	      │          │
	┌─────┴──────────┴────┐ ┌──────────────────────┐
	│ Store (SQLite+blobs)│ │ Source (local, S3)   │
	└─────────────────────┘ └──────────────────────┘

# Identity

ComputeIdentity is the only way to build an Identity from file attributes:

	id := types.ComputeIdentity("a.jpg", 1000, 500000)
	fmt.Println(id) // a.jpg:1000:500000

Derived identities name artifacts computed from an original, such as thumbnails:

	thumbID := id.Derived(types.DerivedThumbnail)

# Interfaces

Source abstracts directory enumeration and byte reads. MetricsCollector is implemented by
internal/metrics; components accept a nil collector and fall back to NopMetrics.
*/
package types
