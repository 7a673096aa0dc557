/*
Package config provides configuration management for mediacache with multi-source support.

Configuration is layered. Compiled-in defaults come first, then a YAML file, then MEDIACACHE_*
environment variables, then command-line flags applied by cmd/mediacache.

	┌─────────────────────────────────────────────┐
	│          Command-line flags                 │ ← Highest Priority
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Environment Variables                │
	│           (MEDIACACHE_*)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

Policy constants such as the per-item store ceiling, the eviction target, the handle grace
window and the scheduler priorities are all configuration rather than code.

# Usage

Load runs every layer except flags. An empty path means DefaultConfigPath, which may be absent.

	cfg, path, found, err := config.Load("")
	if err != nil {
		return err
	}

# File format

	global:
	  log_level: INFO
	  log_format: auto        # auto picks console on a TTY, json otherwise
	  cache_dir: ~/.cache/mediacache

	store:
	  max_items: 2000
	  max_bytes: 500MB        # parsed with go-humanize
	  max_item_bytes: 5MB
	  eviction_target: 0.8

	pool:
	  grace_period: 75ms
	  sweep_interval: 5m
	  max_idle: 30m

	thumbnail:
	  max_dimension: 300
	  quality: 80
	  frame_timeout: 10s
	  grabber_trip_after: 3   # ffmpeg timeouts in a row before video thumbnails pause
	  grabber_cooldown: 1m

	scheduler:
	  concurrency: 3
	  yield_interval: 50ms
	  image_priority: 2
	  video_priority: 1
	  lookahead_margin: 100

	source:
	  type: local             # or s3
	  root: /home/me/Pictures
	  s3:
	    bucket: photos
	    max_attempts: 3       # transient read failures are retried with backoff

# Environment variables

	MEDIACACHE_LOG_LEVEL=DEBUG
	MEDIACACHE_CACHE_DIR=/var/cache/mediacache
	MEDIACACHE_STORE_MAX_BYTES=1GiB
	MEDIACACHE_SOURCE_TYPE=s3
	MEDIACACHE_S3_BUCKET=photos
*/
package config
