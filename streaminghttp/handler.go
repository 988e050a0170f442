package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/mcp-jira-confluence/internal/jsonrpc"
	"github.com/relaykit/mcp-jira-confluence/internal/logctx"
	"github.com/relaykit/mcp-jira-confluence/internal/metrics"
	"github.com/relaykit/mcp-jira-confluence/mcp"
	"github.com/relaykit/mcp-jira-confluence/relay"
	"github.com/relaykit/mcp-jira-confluence/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header name; Go matches request headers case-insensitively.
	mcpSessionIDHeader = "Mcp-Session-Id"

	defaultHeartbeatInterval = 30 * time.Second
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before any JSON-RPC exchange. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Handler serves the relay's HTTP surface: /sse, /mcp, /health, / and
// /metrics.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	relay     *relay.Relay
	registry  *sessions.Registry
	heartbeat time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithHeartbeatInterval sets the period of outbound silence after which a
// heartbeat notification is written to open streams.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// New builds the HTTP surface over a relay and a session registry.
func New(rel *relay.Relay, registry *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		relay:     rel,
		registry:  registry,
		log:       slog.Default(),
		heartbeat: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sse", h.handlePostSSE)
	mux.HandleFunc("POST /mcp", h.handlePostMCP)
	mux.HandleFunc("GET /health", h.handleGetHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", h.handleGetRoot)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})))
}

// sessionSink pushes relay frames onto a stream session's outbound queue.
type sessionSink struct {
	sess *sessions.Session
}

func (s sessionSink) Deliver(ctx context.Context, frame []byte) error {
	return s.sess.Send(ctx, frame)
}

// replySink captures the single terminal frame of an ephemeral dispatch.
type replySink struct {
	mu    sync.Mutex
	frame []byte
}

func (s *replySink) Deliver(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = append([]byte(nil), frame...)
	return nil
}

func (s *replySink) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// lockedWriteFlusher serializes concurrent writes and flushes on one
// response and refuses both once the stream context ends.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one SSE frame: an optional id line, the payload as a
// single data line, a blank separator, then a flush.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	var buf bytes.Buffer
	if eventID != "" {
		buf.WriteString("id: ")
		buf.WriteString(eventID)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if _, err := wf.Write(buf.Bytes()); err != nil {
		return err
	}
	wf.Flush()
	return nil
}

// notificationFrame encodes a server-to-client notification envelope.
func notificationFrame(method mcp.Method, params any) ([]byte, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         string(method),
		Params:         p,
	})
}

// handlePostSSE opens a stream session. An optional JSON-RPC envelope in the
// body is handled as the session's first message.
func (h *Handler) handlePostSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.sse.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.sse.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "http.sse.body.read_fail", slog.String("err", err.Error()))
		return
	}
	firstMessage := bytes.TrimSpace(body)
	if len(firstMessage) > 0 {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			h.log.WarnContext(ctx, "http.sse.content_type.unsupported")
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "http.sse.flusher.missing")
		return
	}

	sess, err := h.registry.Open()
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		h.log.WarnContext(ctx, "http.sse.open.refused", slog.String("err", err.Error()))
		return
	}
	metrics.SessionOpened()
	defer metrics.SessionClosed()
	defer h.relay.CancelSession(sess.ID())
	defer sess.Close()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Kind: "stream"})
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	eventID := 0
	writeFrame := func(frame []byte) error {
		eventID++
		return writeSSEEvent(wf, strconv.Itoa(eventID), frame)
	}

	greeting, err := notificationFrame(mcp.InitializedNotificationMethod, h.relay.Greeting(sess.ID()))
	if err != nil {
		h.log.ErrorContext(ctx, "sse.greeting.encode_fail", slog.String("err", err.Error()))
		return
	}
	if err := writeFrame(greeting); err != nil {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}

	if len(firstMessage) > 0 {
		header := r.Header.Clone()
		go h.relay.Handle(ctx, relay.Inbound{SessionKey: sess.ID(), Header: header, Payload: firstMessage}, sessionSink{sess})
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end",
				slog.String("reason", "client disconnected"),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()),
			)
			return
		case <-sess.Done():
			h.log.InfoContext(ctx, "sse.stream.end",
				slog.String("reason", "session closed"),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()),
			)
			return
		case frame := <-sess.Messages():
			if err := writeFrame(frame); err != nil {
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			heartbeat.Reset(h.heartbeat)
		case <-heartbeat.C:
			frame, err := notificationFrame(mcp.HeartbeatNotificationMethod, mcp.HeartbeatParams{Timestamp: time.Now().Unix()})
			if err != nil {
				h.log.ErrorContext(ctx, "sse.heartbeat.encode_fail", slog.String("err", err.Error()))
				continue
			}
			if err := writeFrame(frame); err != nil {
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// handlePostMCP is the single-shot fallback and the injection path for live
// stream sessions.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.post.content_type.unsupported")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "http.post.body.read_fail", slog.String("err", err.Error()))
		return
	}

	if sessID := r.Header.Get(mcpSessionIDHeader); sessID != "" {
		h.injectIntoSession(ctx, w, r, sessID, body, start)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Kind: "ephemeral"})
	var sink replySink
	h.relay.Handle(ctx, relay.Inbound{Header: r.Header, Payload: body}, &sink)

	frame := sink.take()
	if frame == nil {
		// Notifications and client responses have no terminal frame.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(frame); err != nil {
		h.log.WarnContext(ctx, "http.post.write_fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

func (h *Handler) injectIntoSession(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string, body []byte, start time.Time) {
	sess, ok := h.registry.Lookup(sessID)
	if !ok {
		resp := jsonrpc.NewErrorResponse(jsonrpc.NullID(), jsonrpc.CodeInvalidRequest,
			"unknown session", "the Mcp-Session-Id header does not name a live session")
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(resp)
		h.log.InfoContext(ctx, "http.post.session_miss", slog.String("session_id", sessID))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Kind: "stream"})

	// This POST finishes before the dispatch does; detach its cancellation so
	// the response write-out cannot abort the in-flight upstream call. Session
	// teardown still cancels the dispatch through the relay's tracking. The
	// headers of this POST, not the ones that opened the stream, feed
	// credential resolution.
	dispatchCtx := context.WithoutCancel(ctx)
	header := r.Header.Clone()
	go h.relay.Handle(dispatchCtx, relay.Inbound{SessionKey: sess.ID(), Header: header, Payload: body}, sessionSink{sess})

	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "http.post.injected", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

type healthResponse struct {
	Status           string            `json:"status"`
	Timestamp        int64             `json:"timestamp"`
	Services         map[string]string `json:"services"`
	ConnectedClients int               `json:"connected_clients"`
}

// handleGetHealth reports per-service reachability under the server default
// credentials plus the open session count. Failures are informational; the
// endpoint answers 200 regardless.
func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{
		Status:           "ok",
		Timestamp:        time.Now().Unix(),
		Services:         h.relay.ProbeUpstreams(ctx),
		ConnectedClients: h.registry.Len(),
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "http.health.encode_fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	info := h.relay.ServerInfo()
	doc := map[string]any{
		"name":      info.Name,
		"version":   info.Version,
		"transport": "sse",
		"endpoints": map[string]string{
			"sse":     "/sse",
			"mcp":     "/mcp",
			"health":  "/health",
			"metrics": "/metrics",
		},
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(doc)
}
