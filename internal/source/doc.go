// Package source enumerates directories and reads media bytes.
//
// Paths are slash-separated and relative to the source root; "" and "." name
// the root itself. Hidden entries and files whose extension is not a known
// image, video or audio type are left out of listings.
//
// Local reads a directory tree and can watch a directory for changes. S3
// treats a bucket prefix as a read-only tree.
package source
