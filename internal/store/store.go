package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mediacache/mediacache/internal/logging"
	"github.com/mediacache/mediacache/pkg/types"
)

const (
	// DefaultMaxItemBytes is the per-item ceiling above which originals are
	// served transiently instead of persisted.
	DefaultMaxItemBytes = 5 * 1000 * 1000

	// DefaultEvictionTarget is the fraction of MaxBytes an eviction pass
	// drains down to once triggered.
	DefaultEvictionTarget = 0.8

	databaseFile = "cache.db"
	thumbsDir    = "thumbs"
)

// Options configures a Store.
type Options struct {
	// Dir holds cache.db and the thumbs/ directory.
	Dir            string
	MaxItems       int
	MaxBytes       int64
	MaxItemBytes   int64
	EvictionTarget float64
	BusyTimeout    time.Duration

	Logger  *zap.Logger
	Metrics types.MetricsCollector
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxItems <= 0 {
		o.MaxItems = 2000
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 500 * 1000 * 1000
	}
	if o.MaxItemBytes <= 0 {
		o.MaxItemBytes = DefaultMaxItemBytes
	}
	if o.EvictionTarget <= 0 || o.EvictionTarget > 1 {
		o.EvictionTarget = DefaultEvictionTarget
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Store is the persistent object store: original bytes in an SQLite assets
// table, thumbnail metadata in thumbnail_meta and thumbnail bytes as files.
type Store struct {
	db        *sql.DB
	path      string
	thumbsDir string
	opts      Options
	logger    *zap.Logger
	metrics   types.MetricsCollector

	// mu serializes writes so capacity checks and deletes see a stable view.
	mu  sync.Mutex
	seq int64
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// Open creates or opens the store under opts.Dir.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts.setDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}

	thumbs := filepath.Join(opts.Dir, thumbsDir)
	if err := os.MkdirAll(thumbs, 0750); err != nil {
		return nil, fmt.Errorf("create store directories: %w", err)
	}

	dbPath := filepath.Join(opts.Dir, databaseFile)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{
		db:        db,
		path:      dbPath,
		thumbsDir: thumbs,
		opts:      opts,
		logger:    logging.Component(opts.Logger, "store"),
		metrics:   types.OrNop(opts.Metrics),
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM assets").Scan(&s.seq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read sequence: %w", err)
	}

	s.logger.Debug("store opened",
		zap.String("path", dbPath),
		zap.Int("max_items", opts.MaxItems),
		zap.Int64("max_bytes", opts.MaxBytes),
	)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Limits reports the configured capacity bounds.
func (s *Store) Limits() (maxItems int, maxBytes, maxItemBytes int64) {
	return s.opts.MaxItems, s.opts.MaxBytes, s.opts.MaxItemBytes
}

func (s *Store) now() time.Time {
	return s.opts.Clock()
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}
