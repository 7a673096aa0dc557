package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Store      StoreConfig      `yaml:"store"`
	Pool       PoolConfig       `yaml:"pool"`
	Thumbnail  ThumbnailConfig  `yaml:"thumbnail"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Navigation NavigationConfig `yaml:"navigation"`
	Source     SourceConfig     `yaml:"source"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"` // json, console or auto
	CacheDir  string `yaml:"cache_dir"`
}

// StoreConfig controls the persistent object store
type StoreConfig struct {
	MaxItems       int           `yaml:"max_items"`
	MaxBytes       string        `yaml:"max_bytes"`
	MaxItemBytes   string        `yaml:"max_item_bytes"`
	EvictionTarget float64       `yaml:"eviction_target"`
	BusyTimeout    time.Duration `yaml:"busy_timeout"`
}

// PoolConfig controls the display handle pool
type PoolConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxIdle       time.Duration `yaml:"max_idle"`
}

// ThumbnailConfig controls proxy generation
type ThumbnailConfig struct {
	MaxDimension  int           `yaml:"max_dimension"`
	Quality       int           `yaml:"quality"`
	MemoryEntries int           `yaml:"memory_entries"`
	VideoSeek     time.Duration `yaml:"video_seek"`
	FrameTimeout  time.Duration `yaml:"frame_timeout"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	FFprobePath   string        `yaml:"ffprobe_path"`

	// Video thumbnails pause for GrabberCooldown after GrabberTripAfter
	// consecutive ffmpeg timeouts or crashes.
	GrabberTripAfter int           `yaml:"grabber_trip_after"`
	GrabberCooldown  time.Duration `yaml:"grabber_cooldown"`
}

// SchedulerConfig controls the load scheduler
type SchedulerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	YieldInterval   time.Duration `yaml:"yield_interval"`
	ImagePriority   int           `yaml:"image_priority"`
	VideoPriority   int           `yaml:"video_priority"`
	LookaheadMargin int           `yaml:"lookahead_margin"`
}

// NavigationConfig controls neighbour prefetch and directory preload
type NavigationConfig struct {
	NeighborRadius   int `yaml:"neighbor_radius"`
	PreloadBatchSize int `yaml:"preload_batch_size"`
}

// SourceConfig selects where media is read from
type SourceConfig struct {
	Type  string   `yaml:"type"` // local or s3
	Root  string   `yaml:"root"`
	Watch bool     `yaml:"watch"`
	S3    S3Config `yaml:"s3"`
}

// S3Config represents the S3 source settings
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	MaxAttempts  int    `yaml:"max_attempts"`

	// Static credentials. Empty means the default AWS credential chain.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// APIConfig represents the HTTP server settings
type APIConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableCORS      bool          `yaml:"enable_cors"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "auto",
			CacheDir:  defaultCacheDir(),
		},
		Store: StoreConfig{
			MaxItems:       2000,
			MaxBytes:       "500MB",
			MaxItemBytes:   "5MB",
			EvictionTarget: 0.8,
			BusyTimeout:    5 * time.Second,
		},
		Pool: PoolConfig{
			GracePeriod:   75 * time.Millisecond,
			SweepInterval: 5 * time.Minute,
			MaxIdle:       30 * time.Minute,
		},
		Thumbnail: ThumbnailConfig{
			MaxDimension:  300,
			Quality:       80,
			MemoryEntries: 500,
			VideoSeek:     3 * time.Second,
			FrameTimeout:  10 * time.Second,
			FFmpegPath:    "ffmpeg",
			FFprobePath:   "ffprobe",

			GrabberTripAfter: 3,
			GrabberCooldown:  time.Minute,
		},
		Scheduler: SchedulerConfig{
			Concurrency:     3,
			YieldInterval:   50 * time.Millisecond,
			ImagePriority:   2,
			VideoPriority:   1,
			LookaheadMargin: 100,
		},
		Navigation: NavigationConfig{
			NeighborRadius:   2,
			PreloadBatchSize: 10,
		},
		Source: SourceConfig{
			Type: "local",
			Root: ".",
			S3:   S3Config{MaxAttempts: 3},
		},
		API: APIConfig{
			Address:         "127.0.0.1:8765",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EnableCORS:      true,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "mediacache",
			},
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "mediacache")
	}
	return filepath.Join(os.TempDir(), "mediacache")
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("MEDIACACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("MEDIACACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("MEDIACACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("MEDIACACHE_CACHE_DIR"); val != "" {
		c.Global.CacheDir = val
	}

	// Store settings
	if val := os.Getenv("MEDIACACHE_STORE_MAX_ITEMS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("MEDIACACHE_STORE_MAX_ITEMS: %w", err)
		}
		c.Store.MaxItems = n
	}
	if val := os.Getenv("MEDIACACHE_STORE_MAX_BYTES"); val != "" {
		c.Store.MaxBytes = val
	}
	if val := os.Getenv("MEDIACACHE_STORE_MAX_ITEM_BYTES"); val != "" {
		c.Store.MaxItemBytes = val
	}

	// Pool settings
	if val := os.Getenv("MEDIACACHE_POOL_GRACE_PERIOD"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("MEDIACACHE_POOL_GRACE_PERIOD: %w", err)
		}
		c.Pool.GracePeriod = d
	}

	// Thumbnail settings
	if val := os.Getenv("MEDIACACHE_THUMBNAIL_MAX_DIMENSION"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("MEDIACACHE_THUMBNAIL_MAX_DIMENSION: %w", err)
		}
		c.Thumbnail.MaxDimension = n
	}
	if val := os.Getenv("MEDIACACHE_FFMPEG_PATH"); val != "" {
		c.Thumbnail.FFmpegPath = val
	}
	if val := os.Getenv("MEDIACACHE_FFPROBE_PATH"); val != "" {
		c.Thumbnail.FFprobePath = val
	}

	// Scheduler settings
	if val := os.Getenv("MEDIACACHE_SCHEDULER_CONCURRENCY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("MEDIACACHE_SCHEDULER_CONCURRENCY: %w", err)
		}
		c.Scheduler.Concurrency = n
	}

	// Source settings
	if val := os.Getenv("MEDIACACHE_SOURCE_TYPE"); val != "" {
		c.Source.Type = strings.ToLower(val)
	}
	if val := os.Getenv("MEDIACACHE_SOURCE_ROOT"); val != "" {
		c.Source.Root = val
	}
	if val := os.Getenv("MEDIACACHE_SOURCE_WATCH"); val != "" {
		c.Source.Watch = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MEDIACACHE_S3_BUCKET"); val != "" {
		c.Source.S3.Bucket = val
	}
	if val := os.Getenv("MEDIACACHE_S3_PREFIX"); val != "" {
		c.Source.S3.Prefix = val
	}
	if val := os.Getenv("MEDIACACHE_S3_REGION"); val != "" {
		c.Source.S3.Region = val
	}
	if val := os.Getenv("MEDIACACHE_S3_ENDPOINT"); val != "" {
		c.Source.S3.Endpoint = val
	}
	if val := os.Getenv("MEDIACACHE_S3_ACCESS_KEY_ID"); val != "" {
		c.Source.S3.AccessKeyID = val
	}
	if val := os.Getenv("MEDIACACHE_S3_SECRET_ACCESS_KEY"); val != "" {
		c.Source.S3.SecretAccessKey = val
	}

	// API settings
	if val := os.Getenv("MEDIACACHE_API_ADDRESS"); val != "" {
		c.API.Address = val
	}
	if val := os.Getenv("MEDIACACHE_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Global.LogLevel, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Global.LogFormat {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("invalid log_format: %s (must be auto, json or console)", c.Global.LogFormat)
	}

	if c.Global.CacheDir == "" {
		return fmt.Errorf("cache_dir must be set")
	}

	if c.Store.MaxItems <= 0 {
		return fmt.Errorf("store.max_items must be greater than 0")
	}
	maxBytes, err := ParseSize(c.Store.MaxBytes)
	if err != nil {
		return fmt.Errorf("store.max_bytes: %w", err)
	}
	maxItemBytes, err := ParseSize(c.Store.MaxItemBytes)
	if err != nil {
		return fmt.Errorf("store.max_item_bytes: %w", err)
	}
	if maxItemBytes > maxBytes {
		return fmt.Errorf("store.max_item_bytes (%s) cannot exceed store.max_bytes (%s)",
			c.Store.MaxItemBytes, c.Store.MaxBytes)
	}
	if c.Store.EvictionTarget <= 0 || c.Store.EvictionTarget > 1 {
		return fmt.Errorf("store.eviction_target must be in (0, 1]")
	}

	if c.Pool.GracePeriod < 0 {
		return fmt.Errorf("pool.grace_period cannot be negative")
	}
	if c.Pool.SweepInterval <= 0 || c.Pool.MaxIdle <= 0 {
		return fmt.Errorf("pool.sweep_interval and pool.max_idle must be greater than 0")
	}

	if c.Thumbnail.MaxDimension <= 0 {
		return fmt.Errorf("thumbnail.max_dimension must be greater than 0")
	}
	if c.Thumbnail.Quality < 1 || c.Thumbnail.Quality > 100 {
		return fmt.Errorf("thumbnail.quality must be between 1 and 100")
	}
	if c.Thumbnail.MemoryEntries <= 0 {
		return fmt.Errorf("thumbnail.memory_entries must be greater than 0")
	}
	if c.Thumbnail.FrameTimeout <= 0 {
		return fmt.Errorf("thumbnail.frame_timeout must be greater than 0")
	}
	if c.Thumbnail.GrabberTripAfter < 0 || c.Thumbnail.GrabberCooldown < 0 {
		return fmt.Errorf("thumbnail.grabber_trip_after and thumbnail.grabber_cooldown must not be negative")
	}

	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be greater than 0")
	}
	if c.Scheduler.LookaheadMargin < 0 {
		return fmt.Errorf("scheduler.lookahead_margin cannot be negative")
	}

	if c.Navigation.NeighborRadius < 0 {
		return fmt.Errorf("navigation.neighbor_radius cannot be negative")
	}
	if c.Navigation.PreloadBatchSize <= 0 {
		return fmt.Errorf("navigation.preload_batch_size must be greater than 0")
	}

	switch c.Source.Type {
	case "local":
		if c.Source.Root == "" {
			return fmt.Errorf("source.root must be set for a local source")
		}
	case "s3":
		if c.Source.S3.Bucket == "" {
			return fmt.Errorf("source.s3.bucket must be set for an s3 source")
		}
		if (c.Source.S3.AccessKeyID == "") != (c.Source.S3.SecretAccessKey == "") {
			return fmt.Errorf("source.s3.access_key_id and source.s3.secret_access_key must be set together")
		}
		if c.Source.S3.MaxAttempts < 0 {
			return fmt.Errorf("source.s3.max_attempts must not be negative")
		}
	default:
		return fmt.Errorf("invalid source.type: %s (must be local or s3)", c.Source.Type)
	}

	if c.API.Address == "" {
		return fmt.Errorf("api.address must be set")
	}

	return nil
}

// ParseSize parses a human readable byte size such as "5MB" or "512MiB".
func ParseSize(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("size %q must be greater than 0", s)
	}
	return int64(n), nil
}

// MaxBytesValue returns Store.MaxBytes in bytes. Call Validate first.
func (s StoreConfig) MaxBytesValue() int64 {
	n, _ := ParseSize(s.MaxBytes)
	return n
}

// MaxItemBytesValue returns Store.MaxItemBytes in bytes. Call Validate first.
func (s StoreConfig) MaxItemBytesValue() int64 {
	n, _ := ParseSize(s.MaxItemBytes)
	return n
}

// DatabasePath is the location of the SQLite cache database.
func (c *Configuration) DatabasePath() string {
	return filepath.Join(c.Global.CacheDir, "cache.db")
}

// LockPath is the location of the process lock file guarding CacheDir.
func (c *Configuration) LockPath() string {
	return filepath.Join(c.Global.CacheDir, "mediacache.lock")
}

// DefaultConfigPath is the configuration file used when none is given.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "mediacache", "config.yaml"), nil
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (or DefaultConfigPath when path is empty), then MEDIACACHE_*
// variables. A missing default file is not an error; a missing explicit one
// is. It returns the file path consulted and whether it existed.
func Load(path string) (*Configuration, string, bool, error) {
	cfg := NewDefault()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		def, err := DefaultConfigPath()
		if err != nil {
			return nil, "", false, err
		}
		path = def
	}

	exists := false
	if _, err := os.Stat(path); err == nil {
		exists = true
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, path, true, err
		}
	} else if explicit || !os.IsNotExist(err) {
		return nil, path, false, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, path, exists, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, exists, err
	}
	return cfg, path, exists, nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Configuration) Redacted() *Configuration {
	out := *c
	if out.Source.S3.SecretAccessKey != "" {
		out.Source.S3.SecretAccessKey = "********"
	}
	return &out
}
