package browser

import (
	"context"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/handles"
	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// Display is a display URL handed to a client. The client gives LeaseID back
// to ReleaseLease when it stops showing URL.
type Display struct {
	LeaseID  string         `json:"lease_id"`
	URL      string         `json:"url"`
	Identity types.Identity `json:"identity"`
}

type leaseTable struct {
	mu     sync.Mutex
	leases map[string]*handles.Lease
}

func newLeaseTable() *leaseTable {
	return &leaseTable{leases: make(map[string]*handles.Lease)}
}

func (t *leaseTable) add(l *handles.Lease) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.leases[id] = l
	t.mu.Unlock()
	return id
}

func (t *leaseTable) take(id string) (*handles.Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[id]
	delete(t.leases, id)
	return l, ok
}

func (t *leaseTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}

func (t *leaseTable) releaseAll() int {
	t.mu.Lock()
	leases := t.leases
	t.leases = make(map[string]*handles.Lease)
	t.mu.Unlock()

	for _, l := range leases {
		l.Release()
	}
	return len(leases)
}

// AcquireDisplayURL returns a display URL for entry. A live handle is reused;
// otherwise the bytes come from the persistent store, or from the source on
// a miss, in which case they are persisted when they fit.
func (s *Service) AcquireDisplayURL(ctx context.Context, entry types.Entry) (Display, error) {
	if s.isClosed() {
		return Display{}, stopped("AcquireDisplayURL")
	}
	start := time.Now()
	id := entry.Identity()

	lease, err := s.pool.AcquireFunc(ctx, id, func(ctx context.Context) ([]byte, string, error) {
		return s.loadOriginal(ctx, entry)
	})
	if err != nil {
		s.metrics.RecordOperation("acquire_display", time.Since(start), 0, false)
		s.metrics.RecordError("acquire_display", err)
		s.logger.Debug("display url unavailable", logging.Identity(id), logging.Err(err))
		return Display{}, err
	}

	s.metrics.RecordOperation("acquire_display", time.Since(start), 0, true)
	return Display{
		LeaseID:  s.leases.add(lease),
		URL:      lease.URL(),
		Identity: id,
	}, nil
}

// AcquireDisplayBytes registers caller-supplied bytes under id. Nothing is
// persisted.
func (s *Service) AcquireDisplayBytes(id types.Identity, data []byte, mimeType string) (Display, error) {
	if s.isClosed() {
		return Display{}, stopped("AcquireDisplayBytes")
	}
	if mimeType == "" {
		mimeType = detectMIME("", data)
	}
	lease, err := s.pool.Acquire(id, data, mimeType)
	if err != nil {
		return Display{}, err
	}
	return Display{LeaseID: s.leases.add(lease), URL: lease.URL(), Identity: id}, nil
}

// ReleaseLease releases a lease handed out by AcquireDisplayURL. Unknown or
// already released ids report false.
func (s *Service) ReleaseLease(leaseID string) bool {
	l, ok := s.leases.take(leaseID)
	if !ok {
		s.logger.Debug("release of unknown lease", zap.String("lease_id", leaseID))
		return false
	}
	l.Release()
	return true
}

// loadStrategy is one source of original bytes.
type loadStrategy struct {
	name string
	load func(ctx context.Context, id types.Identity, entry types.Entry) ([]byte, string, bool, error)
}

func (s *Service) loadStrategies() []loadStrategy {
	return []loadStrategy{
		{name: "store", load: s.loadFromStore},
		{name: "source", load: s.loadFromSource},
	}
}

// loadOriginal walks the load strategies in order. The first one that
// produces bytes wins; a hard error from a strategy ends the walk.
func (s *Service) loadOriginal(ctx context.Context, entry types.Entry) ([]byte, string, error) {
	id := entry.Identity()
	for _, strategy := range s.loadStrategies() {
		data, mimeType, ok, err := strategy.load(ctx, id, entry)
		if err != nil {
			return nil, "", err
		}
		if ok {
			s.logger.Debug("original loaded", logging.Identity(id), zap.String("from", strategy.name))
			return data, mimeType, nil
		}
	}
	return nil, "", mcerrors.Newf(mcerrors.ErrCodeFileNotFound, "no bytes for %s", entry.Path).
		WithComponent("browser").WithOperation("loadOriginal")
}

func (s *Service) loadFromStore(ctx context.Context, id types.Identity, _ types.Entry) ([]byte, string, bool, error) {
	asset, ok := s.store.Get(ctx, id)
	if !ok {
		return nil, "", false, nil
	}
	return asset.Data, asset.MimeType, true, nil
}

func (s *Service) loadFromSource(ctx context.Context, id types.Identity, entry types.Entry) ([]byte, string, bool, error) {
	data, err := s.source.ReadFileBytes(ctx, entry)
	if err != nil {
		return nil, "", false, err
	}
	mimeType := detectMIME(entry.Name, data)

	if err := s.store.Put(ctx, id, data, mimeType); err != nil {
		// The bytes are still served, just not persisted.
		level := zap.WarnLevel
		if mcerrors.HasCode(err, mcerrors.ErrCodeLimitExceeded) {
			level = zap.DebugLevel
		}
		if ce := s.logger.Check(level, "serving original transiently"); ce != nil {
			ce.Write(logging.Identity(id), logging.Bytes("size", int64(len(data))), logging.Err(err))
		}
	}
	return data, mimeType, true, nil
}

// detectMIME sniffs data and falls back to the file extension.
func detectMIME(name string, data []byte) string {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if name != "" {
		if t := mime.TypeByExtension(path.Ext(name)); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}
