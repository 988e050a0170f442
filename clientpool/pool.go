// Package clientpool caches upstream clients keyed by credential fingerprint.
// A pooled client is immutable once constructed: credential rotation shows up
// as a new fingerprint and therefore a new entry, so an in-flight request can
// never observe a different identity mid-call. Construction is lazy and cheap
// (no network I/O); a bad credential surfaces on first use, not at
// construction.
package clientpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaykit/mcp-jira-confluence/credentials"
)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = errors.New("client pool closed")

// BuildFunc constructs a client for one resolved credential. It must not
// perform network I/O; connectivity problems belong to the first call made
// through the client.
type BuildFunc[C any] func(cred credentials.Credential) (C, error)

// Pool caches clients of type C for one upstream service. Concurrent Acquire
// calls for the same fingerprint construct at most one client (single-flight);
// acquires for already-present fingerprints share a read lock and do not
// block each other.
type Pool[C any] struct {
	service credentials.Service
	build   BuildFunc[C]
	idleTTL time.Duration
	now     func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[credentials.Fingerprint]*entry[C]
	closed  bool
}

type entry[C any] struct {
	client       C
	refs         atomic.Int64
	lastUsedNano atomic.Int64
	doomed       atomic.Bool
	closeOnce    sync.Once
}

// Handle is a live reference to a pooled client. The caller must Release it
// when the issuing call completes; the entry cannot be evicted while handles
// to it are outstanding.
type Handle[C any] struct {
	Client      C
	Fingerprint credentials.Fingerprint

	pool *Pool[C]
	ent  *entry[C]
	once sync.Once
}

// Release returns the reference. Safe to call more than once.
func (h *Handle[C]) Release() {
	h.once.Do(func() {
		h.ent.lastUsedNano.Store(h.pool.now().UnixNano())
		if h.ent.refs.Add(-1) == 0 && h.ent.doomed.Load() {
			h.pool.closeEntry(h.ent)
		}
	})
}

// Option configures a Pool.
type Option[C any] func(*Pool[C])

// WithIdleTTL overrides the idle threshold for eviction.
func WithIdleTTL[C any](d time.Duration) Option[C] {
	return func(p *Pool[C]) {
		if d > 0 {
			p.idleTTL = d
		}
	}
}

// WithClock overrides the pool's time source.
func WithClock[C any](now func() time.Time) Option[C] {
	return func(p *Pool[C]) {
		if now != nil {
			p.now = now
		}
	}
}

// New constructs a Pool for one service.
func New[C any](service credentials.Service, build BuildFunc[C], opts ...Option[C]) *Pool[C] {
	p := &Pool[C]{
		service: service,
		build:   build,
		idleTTL: 5 * time.Minute,
		now:     time.Now,
		entries: make(map[credentials.Fingerprint]*entry[C]),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Acquire returns a handle on the pooled client for this credential,
// constructing it on first use. An absent credential is refused with
// credentials.ErrNoCredential before any construction.
func (p *Pool[C]) Acquire(ctx context.Context, cred credentials.Credential) (*Handle[C], error) {
	if cred.IsAbsent() {
		return nil, credentials.ErrNoCredential
	}
	fp := cred.Fingerprint(p.service)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if h, ok := p.tryAcquire(fp); ok {
			return h, nil
		}

		if _, err, _ := p.group.Do(string(fp), func() (any, error) {
			client, err := p.build(cred)
			if err != nil {
				return nil, err
			}
			e := &entry[C]{client: client}
			e.lastUsedNano.Store(p.now().UnixNano())

			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed {
				closeClient(client)
				return nil, ErrClosed
			}
			if _, exists := p.entries[fp]; !exists {
				p.entries[fp] = e
			} else {
				// Lost an insert race after an eviction; the surviving entry wins.
				closeClient(client)
			}
			return nil, nil
		}); err != nil {
			return nil, err
		}
		// Loop to pick up the freshly inserted entry through the fast path.
	}
}

// tryAcquire takes a reference under the read lock. Eviction requires the
// write lock, so an entry seen here cannot disappear before the ref is taken.
func (p *Pool[C]) tryAcquire(fp credentials.Fingerprint) (*Handle[C], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, false
	}
	e, ok := p.entries[fp]
	if !ok {
		return nil, false
	}
	e.refs.Add(1)
	e.lastUsedNano.Store(p.now().UnixNano())
	return &Handle[C]{Client: e.client, Fingerprint: fp, pool: p, ent: e}, true
}

// EvictIdle removes entries that have no outstanding handles and have been
// unused for at least the idle threshold. In-flight handles are untouched.
func (p *Pool[C]) EvictIdle() int {
	cutoff := p.now().Add(-p.idleTTL).UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for fp, e := range p.entries {
		if e.refs.Load() == 0 && e.lastUsedNano.Load() <= cutoff {
			delete(p.entries, fp)
			p.closeEntry(e)
			evicted++
		}
	}
	return evicted
}

// Shutdown empties the pool and refuses further acquires. Clients with
// outstanding handles are closed when their last handle is released.
func (p *Pool[C]) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for fp, e := range p.entries {
		delete(p.entries, fp)
		if e.refs.Load() == 0 {
			p.closeEntry(e)
		} else {
			e.doomed.Store(true)
		}
	}
}

// Len reports the number of pooled entries.
func (p *Pool[C]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Run evicts idle entries periodically until ctx is done, then shuts the
// pool down.
func (p *Pool[C]) Run(ctx context.Context) error {
	interval := p.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			p.EvictIdle()
		}
	}
}

func (p *Pool[C]) closeEntry(e *entry[C]) {
	e.closeOnce.Do(func() {
		closeClient(e.client)
	})
}

func closeClient(c any) {
	if closer, ok := c.(interface{ Close() }); ok {
		closer.Close()
	}
}
