package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaykit/mcp-jira-confluence/catalog"
	"github.com/relaykit/mcp-jira-confluence/clientpool"
	"github.com/relaykit/mcp-jira-confluence/credentials"
	"github.com/relaykit/mcp-jira-confluence/internal/jsonrpc"
	"github.com/relaykit/mcp-jira-confluence/internal/logctx"
	"github.com/relaykit/mcp-jira-confluence/mcp"
	"github.com/relaykit/mcp-jira-confluence/upstream"
)

func (r *Relay) dispatch(ctx context.Context, creds credentials.Set, req *jsonrpc.Request) *jsonrpc.Response {
	clients, missing, release := r.buildClients(ctx, creds)
	defer release()

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return r.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return r.result(ctx, req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return r.result(ctx, req.ID, &mcp.ListToolsResult{Tools: r.catalog.Snapshot()})
	case mcp.ToolsCallMethod:
		return r.handleCallTool(ctx, clients, missing, req)
	case mcp.ResourcesListMethod:
		return r.result(ctx, req.ID, &mcp.ListResourcesResult{Resources: r.catalog.Resources()})
	case mcp.ResourcesReadMethod:
		return r.handleReadResource(ctx, clients, missing, req)
	}

	r.log.InfoContext(ctx, "relay.request.unsupported", slog.String("method", req.Method))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
}

// buildClients assembles the execution context for one dispatch: a pooled
// client for every service whose credential resolved. A service that could
// not be populated gets an entry in the returned map instead, reported only
// if a handler actually needs that service. The release func returns every
// acquired handle and must be called on all paths.
func (r *Relay) buildClients(ctx context.Context, creds credentials.Set) (catalog.Clients, map[credentials.Service]error, func()) {
	var (
		clients  catalog.Clients
		missing  = make(map[credentials.Service]error, len(credentials.Services))
		releases []func()
	)
	for _, service := range credentials.Services {
		cred, err := creds.For(service)
		if err != nil {
			missing[service] = err
			continue
		}
		switch service {
		case credentials.ServiceJira:
			h, err := r.jira.Acquire(ctx, cred)
			if err != nil {
				missing[service] = err
				continue
			}
			clients.Jira = h.Client
			releases = append(releases, h.Release)
		case credentials.ServiceConfluence:
			h, err := r.conf.Acquire(ctx, cred)
			if err != nil {
				missing[service] = err
				continue
			}
			clients.Confluence = h.Client
			releases = append(releases, h.Release)
		}
	}
	return clients, missing, func() {
		for _, fn := range releases {
			fn()
		}
	}
}

func (r *Relay) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var init mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &init); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid initialize params", err.Error())
		}
	}
	r.log.InfoContext(ctx, "relay.initialize",
		slog.String("client_name", init.ClientInfo.Name),
		slog.String("client_version", init.ClientInfo.Version),
		slog.String("client_protocol", init.ProtocolVersion),
	)
	return r.result(ctx, req.ID, &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    r.caps,
		ServerInfo:      r.info,
	})
}

func (r *Relay) handleCallTool(ctx context.Context, clients catalog.Clients, missing map[credentials.Service]error, req *jsonrpc.Request) *jsonrpc.Response {
	var call mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid tool call params", err.Error())
	}
	if call.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "tool name is required", nil)
	}

	tool, ok := r.catalog.Lookup(call.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("unknown tool: %s", call.Name), nil)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{
		ToolName: call.Name,
		Service:  string(tool.Service),
	})

	if err, absent := missing[tool.Service]; absent {
		return r.errorResponse(ctx, req.ID, tool.Service, err)
	}

	res, err := r.catalog.Call(ctx, clients, &call)
	if err != nil {
		return r.errorResponse(ctx, req.ID, tool.Service, err)
	}
	return r.result(ctx, req.ID, res)
}

func (r *Relay) handleReadResource(ctx context.Context, clients catalog.Clients, missing map[credentials.Service]error, req *jsonrpc.Request) *jsonrpc.Response {
	var read mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &read); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid resource read params", err.Error())
	}

	ref, err := catalog.ParseResourceURI(read.URI)
	if err != nil {
		return r.errorResponse(ctx, req.ID, ref.Service, err)
	}
	if err, absent := missing[ref.Service]; absent {
		return r.errorResponse(ctx, req.ID, ref.Service, err)
	}

	res, err := r.catalog.ReadResource(ctx, clients, read.URI)
	if err != nil {
		return r.errorResponse(ctx, req.ID, ref.Service, err)
	}
	return r.result(ctx, req.ID, res)
}

// errorResponse maps a dispatch failure onto the wire error taxonomy. The
// service names which upstream the failure concerns; it may be empty for
// failures that precede service selection. Data strings never include
// credential material.
func (r *Relay) errorResponse(ctx context.Context, id *jsonrpc.RequestID, service credentials.Service, err error) *jsonrpc.Response {
	var (
		invalidArgs *catalog.InvalidArgumentsError
		upErr       *upstream.Error
	)
	switch {
	case errors.Is(err, credentials.ErrNoCredential):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeAuthRequired,
			fmt.Sprintf("authentication required for %s", service),
			fmt.Sprintf("provide %s, a shared Authorization bearer, or configure server defaults", credentials.OverrideHeader(service)))
	case errors.Is(err, context.Canceled):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "request cancelled", nil)
	case errors.As(err, &invalidArgs):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvalidParams, "invalid tool arguments", invalidArgs.Error())
	case errors.Is(err, catalog.ErrUnknownTool), errors.Is(err, catalog.ErrUnknownResource):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvalidParams, err.Error(), nil)
	case errors.As(err, &upErr):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeUpstreamError,
			fmt.Sprintf("%s request failed", upErr.Service), upErr.Error())
	case errors.Is(err, upstream.ErrNotConfigured):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeUpstreamError,
			fmt.Sprintf("%s request failed", service), err.Error())
	case errors.Is(err, clientpool.ErrClosed):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "server is shutting down", nil)
	}

	r.log.ErrorContext(ctx, "relay.request.error", slog.String("err", err.Error()))
	return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "internal error", nil)
}

// result wraps a success payload, downgrading marshal failures to an
// internal error so the caller still receives its one terminal frame.
func (r *Relay) result(ctx context.Context, id *jsonrpc.RequestID, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		r.log.ErrorContext(ctx, "relay.result.encode_fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "internal error", nil)
	}
	return resp
}
