// Package relay is the protocol core: it parses inbound JSON-RPC envelopes,
// resolves credentials for the carrying transport call, dispatches against
// the tool and resource catalog through the upstream client pools, and pushes
// terminal frames to the session that submitted the message.
//
// Every request with an id produces exactly one terminal frame, success or
// failure. Notifications never produce frames; their failures are logged.
// Responses on one session may complete out of order; correlation is by id
// only.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/relaykit/mcp-jira-confluence/catalog"
	"github.com/relaykit/mcp-jira-confluence/clientpool"
	"github.com/relaykit/mcp-jira-confluence/credentials"
	"github.com/relaykit/mcp-jira-confluence/internal/jsonrpc"
	"github.com/relaykit/mcp-jira-confluence/internal/logctx"
	"github.com/relaykit/mcp-jira-confluence/internal/metrics"
	"github.com/relaykit/mcp-jira-confluence/mcp"
	"github.com/relaykit/mcp-jira-confluence/upstream/confluence"
	"github.com/relaykit/mcp-jira-confluence/upstream/jira"
)

// Server identity reported in initialize results and session greetings.
const (
	serverName    = "mcp-jira-confluence"
	serverVersion = "0.3.0"
)

// Sink receives the frames a handled message produces. A stream session's
// sink is its outbound queue; single-shot calls use an in-memory collector.
type Sink interface {
	Deliver(ctx context.Context, frame []byte) error
}

// Inbound is one raw message plus the transport context it arrived with.
// Header carries the headers of the HTTP call that delivered this message,
// not the ones that opened the session: one long-lived session may carry
// different credentials on different messages.
type Inbound struct {
	SessionKey string
	Header     http.Header
	Payload    []byte
}

// Relay coordinates credential resolution, pooling and dispatch.
type Relay struct {
	catalog  *catalog.Container
	jira     *clientpool.Pool[*jira.Client]
	conf     *clientpool.Pool[*confluence.Client]
	defaults credentials.Defaults
	log      *slog.Logger

	info mcp.ImplementationInfo
	caps mcp.ServerCapabilities

	inflightMu sync.Mutex
	inflight   map[inflightKey]context.CancelCauseFunc
}

type inflightKey struct {
	session string
	request string
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

// WithDefaults sets the server-wide default credentials used when a message
// carries no credential headers.
func WithDefaults(d credentials.Defaults) Option {
	return func(r *Relay) { r.defaults = d }
}

// New constructs a Relay over the given catalog and per-service pools.
func New(cat *catalog.Container, jiraPool *clientpool.Pool[*jira.Client], confPool *clientpool.Pool[*confluence.Client], opts ...Option) *Relay {
	r := &Relay{
		catalog:  cat,
		jira:     jiraPool,
		conf:     confPool,
		log:      slog.Default(),
		info:     mcp.ImplementationInfo{Name: serverName, Version: serverVersion},
		inflight: make(map[inflightKey]context.CancelCauseFunc),
	}
	r.caps = mcp.ServerCapabilities{
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{},
		Resources: &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	// Annotate every record with the request, session and tool call data the
	// transports stash in the context.
	r.log = slog.New(logctx.Handler{Handler: r.log.Handler()})
	return r
}

// ServerInfo returns the implementation identity.
func (r *Relay) ServerInfo() mcp.ImplementationInfo { return r.info }

// Greeting builds the params of the notifications/initialized frame that
// opens a stream session.
func (r *Relay) Greeting(sessionID string) mcp.SessionGreeting {
	return mcp.SessionGreeting{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    r.caps,
		ServerInfo:      r.info,
		SessionID:       sessionID,
	}
}

// Handle processes one raw message. Terminal frames go to sink; nothing is
// returned. Malformed payloads are answered with a parse error before any
// credential work happens.
func (r *Relay) Handle(ctx context.Context, in Inbound, sink Sink) {
	msg, err := jsonrpc.Parse(in.Payload)
	if err != nil {
		r.log.InfoContext(ctx, "relay.parse.fail", slog.String("err", err.Error()))
		if errors.Is(err, jsonrpc.ErrMalformed) {
			r.deliver(ctx, sink, jsonrpc.NewErrorResponse(jsonrpc.NullID(), jsonrpc.CodeParseError, "parse error", nil))
			return
		}
		r.deliver(ctx, sink, jsonrpc.NewErrorResponse(jsonrpc.NullID(), jsonrpc.CodeInvalidRequest, "invalid request", nil))
		return
	}

	req := msg.AsRequest()
	if req == nil {
		// A client-to-server response: this server never issues requests, so
		// there is nothing to correlate it with.
		r.log.DebugContext(ctx, "relay.client_response.ignored")
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   msg.Type(),
	})

	creds := credentials.Resolve(r.defaults, in.Header)
	r.log.DebugContext(ctx, "relay.credentials.resolved",
		slog.Any("jira", creds.Jira),
		slog.Any("confluence", creds.Confluence),
	)

	if req.IsNotification() {
		r.handleNotification(ctx, in, creds, req)
		return
	}

	start := time.Now()
	r.log.DebugContext(ctx, "relay.request.received")

	reqCtx := ctx
	if in.SessionKey != "" {
		var cancel context.CancelCauseFunc
		reqCtx, cancel = context.WithCancelCause(ctx)
		key := inflightKey{session: in.SessionKey, request: req.ID.String()}
		r.trackInflight(key, cancel)
		defer func() {
			r.untrackInflight(key)
			cancel(context.Canceled)
		}()
	}

	resp := r.safeDispatch(reqCtx, creds, req)

	status := metrics.StatusSuccess
	if resp.Error != nil {
		status = metrics.StatusError
	}
	metrics.ObserveRequest(req.Method, status, time.Since(start))

	if resp.Error != nil {
		r.log.InfoContext(ctx, "relay.request.fail",
			slog.String("code", resp.Error.Code.String()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
	} else {
		r.log.InfoContext(ctx, "relay.request.ok",
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
	}

	r.deliver(ctx, sink, resp)
}

// handleNotification runs a notification fire-and-forget: results are
// dropped, failures are logged, and nothing reaches the sink.
func (r *Relay) handleNotification(ctx context.Context, in Inbound, creds credentials.Set, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		r.log.InfoContext(ctx, "relay.session.initialized")
		return
	case mcp.CancelledNotificationMethod:
		r.handleCancelled(ctx, in, req)
		return
	}

	resp := r.safeDispatch(ctx, creds, req)
	if resp.Error != nil {
		r.log.WarnContext(ctx, "relay.notification.fail",
			slog.String("code", resp.Error.Code.String()),
			slog.String("err", resp.Error.Message),
		)
		return
	}
	r.log.DebugContext(ctx, "relay.notification.ok")
}

func (r *Relay) handleCancelled(ctx context.Context, in Inbound, req *jsonrpc.Request) {
	var params struct {
		RequestID jsonrpc.RequestID `json:"requestId"`
		Reason    string            `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		r.log.WarnContext(ctx, "relay.cancel.invalid", slog.String("err", err.Error()))
		return
	}
	if in.SessionKey == "" {
		// Single-shot calls have no follow-up channel to cancel through.
		return
	}

	key := inflightKey{session: in.SessionKey, request: params.RequestID.String()}
	r.inflightMu.Lock()
	cancel, ok := r.inflight[key]
	r.inflightMu.Unlock()
	if !ok {
		// Already completed, or never existed. Cancellation is best-effort.
		r.log.DebugContext(ctx, "relay.cancel.miss", slog.String("target_id", params.RequestID.String()))
		return
	}
	cancel(context.Canceled)
	r.log.InfoContext(ctx, "relay.cancel.ok",
		slog.String("target_id", params.RequestID.String()),
		slog.String("reason", params.Reason),
	)
}

// CancelSession cancels every in-flight request tracked for a session. The
// transport calls this when a session's stream ends.
func (r *Relay) CancelSession(sessionKey string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	for key, cancel := range r.inflight {
		if key.session == sessionKey {
			cancel(context.Canceled)
			delete(r.inflight, key)
		}
	}
}

func (r *Relay) trackInflight(key inflightKey, cancel context.CancelCauseFunc) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if prior, exists := r.inflight[key]; exists {
		// Duplicate id on one session; cancel the older request rather than
		// leaking its cancel func.
		prior(context.Canceled)
	}
	r.inflight[key] = cancel
}

func (r *Relay) untrackInflight(key inflightKey) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, key)
}

// safeDispatch never panics: a handler bug becomes an internal-error frame.
func (r *Relay) safeDispatch(ctx context.Context, creds credentials.Set, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "relay.dispatch.panic",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, "internal error", nil)
		}
	}()
	return r.dispatch(ctx, creds, req)
}

func (r *Relay) deliver(ctx context.Context, sink Sink, resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		r.log.ErrorContext(ctx, "relay.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := sink.Deliver(ctx, data); err != nil {
		// The session closed while the request was in flight. The frame is
		// dropped; it must never reach a closed session's queue.
		r.log.DebugContext(ctx, "relay.deliver.drop", slog.String("err", err.Error()))
	}
}

