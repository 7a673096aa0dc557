// Command mediacache serves a media directory to a browser client and
// manages its on-disk cache.
//
//	mediacache serve [--root DIR] [--dir SUBDIR] [--preload]
//	mediacache scan [SUBDIR]
//	mediacache cache stats|purge --older-than 720h|clear --yes
//	mediacache config init|show
//
// Configuration is read from --config, or from mediacache/config.yaml in the
// user config directory, and MEDIACACHE_* environment variables override it.
package main
