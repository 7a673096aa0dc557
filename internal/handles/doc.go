// Package handles manages revocable display URLs with reference counts.
//
// Every Acquire returns a Lease. When the last lease on a handle is released
// the handle waits out a short grace window (75ms by default) before its URL
// is revoked, so a release immediately followed by an acquire of the same
// identity keeps the URL stable. A background sweep revokes any unreferenced
// handle that has been idle longer than MaxIdle.
//
//	Live ──Release, last ref──► PendingRevoke ──grace expires──► Revoked
//	  ▲                               │
//	  └────────── Acquire ────────────┘
package handles
