// Package scheduler orders and runs load work for visible media.
//
// Tasks are keyed by identity and de-duplicated while queued or running.
// Images outrank videos; audio is never scheduled. A dispatcher starts up to
// Concurrency tasks at a time and pauses for YieldInterval between batches.
package scheduler
