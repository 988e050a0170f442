// Package sessions tracks live event-stream sessions for one server process.
// Session state is process-local on purpose: a stream is pinned to the
// connection that opened it, so there is nothing to share across instances.
package sessions

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRegistryClosed is returned by Open during shutdown.
var ErrRegistryClosed = errors.New("session registry closed")

const (
	defaultQueueSize   = 32
	defaultSendTimeout = 10 * time.Second
)

// Registry issues and tracks sessions.
type Registry struct {
	queueSize   int
	sendTimeout time.Duration
	log         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithQueueSize sets the per-session outbound queue capacity.
func WithQueueSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithSendTimeout sets how long Send blocks on a full queue before the
// session is force-closed.
func WithSendTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithLogger sets the logger inherited by sessions.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		queueSize:   defaultQueueSize,
		sendTimeout: defaultSendTimeout,
		log:         slog.Default(),
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Open creates a session with a fresh random identifier and registers it.
func (r *Registry) Open() (*Session, error) {
	s := &Session{
		id:          uuid.NewString(),
		createdAt:   time.Now(),
		queue:       make(chan []byte, r.queueSize),
		closed:      make(chan struct{}),
		sendTimeout: r.sendTimeout,
		onClose:     r.remove,
		log:         r.log,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	r.sessions[s.id] = s
	r.log.Debug("session.opened", slog.String("session_id", s.id))
	return s, nil
}

// Lookup returns the live session with this identifier, if any.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every live session and refuses further opens.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()

	// Close outside the lock; Session.Close calls back into remove.
	for _, s := range open {
		s.Close()
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
}
