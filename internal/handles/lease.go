package handles

import (
	"sync"

	"github.com/mediacache/mediacache/pkg/types"
)

// Lease is one reference to a display URL. Release it exactly once when the
// URL is no longer displayed; extra calls are ignored.
type Lease struct {
	pool *Pool
	id   types.Identity
	url  string
	once sync.Once
}

func (p *Pool) newLease(e *entry) *Lease {
	return &Lease{pool: p, id: e.id, url: e.url}
}

// URL returns the display URL this lease keeps alive.
func (l *Lease) URL() string {
	return l.url
}

// Identity returns the identity the lease was acquired for.
func (l *Lease) Identity() types.Identity {
	return l.id
}

// Release drops this lease's reference.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.pool.release(l.id, l.url)
	})
}
