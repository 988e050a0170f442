package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrSessionClosed is returned by Send once the session has closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer is returned by Send when the outbound queue stayed
	// full past the send timeout. The session is force-closed first.
	ErrSlowConsumer = errors.New("session consumer too slow")
)

// Session is one live event stream. Producers enqueue frames with Send; the
// owning stream writer drains Messages until Done closes. A session closes
// at most once, and frames still queued at close time are discarded rather
// than delivered late.
type Session struct {
	id        string
	createdAt time.Time

	queue       chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	sendTimeout time.Duration

	onClose func(*Session)
	log     *slog.Logger
}

// ID returns the session identifier. Identifiers are random and never reused.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Messages is the outbound frame queue, consumed by the stream writer.
func (s *Session) Messages() <-chan []byte { return s.queue }

// Done closes when the session closes.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Send enqueues one frame for delivery. When the queue is full it blocks
// until space opens, the context ends, or the send timeout elapses. A
// timeout means the consumer stopped draining; the session is force-closed
// so a stalled stream cannot pin producer goroutines indefinitely.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	frame := append([]byte(nil), payload...)
	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	select {
	case s.queue <- frame:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.log.Warn("session.send.timeout",
			slog.String("session_id", s.id),
			slog.Duration("send_timeout", s.sendTimeout),
		)
		s.Close()
		return ErrSlowConsumer
	}
}

// Close closes the session and removes it from its registry. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose(s)
		}
		s.log.Debug("session.closed", slog.String("session_id", s.id))
	})
}
