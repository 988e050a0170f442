// Package stdio serves the relay over newline-delimited JSON-RPC on a pair of
// byte streams, typically the process's stdin and stdout. One process carries
// exactly one session; credentials come from the server-wide defaults because
// there are no per-message headers on this transport.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/relaykit/mcp-jira-confluence/internal/logctx"
	"github.com/relaykit/mcp-jira-confluence/relay"
)

const defaultMaxLineBytes = 1 << 20

// Handler reads one JSON-RPC message per line and writes one frame per line.
type Handler struct {
	relay   *relay.Relay
	in      io.Reader
	out     io.Writer
	log     *slog.Logger
	maxLine int
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger. Logs must not share the out stream;
// on a real process that means stderr.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithStreams replaces stdin and stdout, mainly for tests.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(h *Handler) {
		h.in = in
		h.out = out
	}
}

// WithMaxLineBytes bounds the size of a single inbound message.
func WithMaxLineBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxLine = n
		}
	}
}

// New constructs a Handler over the given relay.
func New(rel *relay.Relay, opts ...Option) *Handler {
	h := &Handler{
		relay:   rel,
		in:      os.Stdin,
		out:     os.Stdout,
		log:     slog.Default(),
		maxLine: defaultMaxLineBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	return h
}

// lineSink serializes frames onto the out stream, one per line. Dispatches run
// concurrently, so the write of frame plus newline must be atomic.
type lineSink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *lineSink) Deliver(_ context.Context, frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.out.Write(buf)
	return err
}

// Serve runs the read loop until EOF on the in stream or ctx is cancelled,
// then waits for in-flight dispatches to finish. Messages dispatch
// concurrently; frames may interleave out of order, correlation is by id.
func (h *Handler) Serve(ctx context.Context) error {
	sessionKey := uuid.NewString()
	defer h.relay.CancelSession(sessionKey)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionKey, Kind: "stdio"})
	h.log.InfoContext(ctx, "stdio.serve.start")

	sink := &lineSink{out: h.out}
	scanner := bufio.NewScanner(h.in)
	scanner.Buffer(make([]byte, 64*1024), h.maxLine)

	var wg sync.WaitGroup
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer across lines.
		payload := make([]byte, len(line))
		copy(payload, line)

		wg.Add(1)
		go func() {
			defer wg.Done()
			h.relay.Handle(ctx, relay.Inbound{SessionKey: sessionKey, Payload: payload}, sink)
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		h.log.ErrorContext(ctx, "stdio.serve.read_fail", slog.String("err", err.Error()))
		return fmt.Errorf("read message stream: %w", err)
	}
	h.log.InfoContext(ctx, "stdio.serve.end")
	return ctx.Err()
}
