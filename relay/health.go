package relay

import (
	"context"
	"errors"

	"github.com/relaykit/mcp-jira-confluence/credentials"
	"github.com/relaykit/mcp-jira-confluence/upstream"
)

// ProbeUpstreams checks each upstream with a cheap authenticated call using
// the server-wide default credentials. Per-request overrides never factor in.
// The result is informational only; a failing probe never tears down live
// sessions.
func (r *Relay) ProbeUpstreams(ctx context.Context) map[string]string {
	out := make(map[string]string, len(credentials.Services))
	for _, service := range credentials.Services {
		out[string(service)] = r.probe(ctx, service)
	}
	return out
}

func (r *Relay) probe(ctx context.Context, service credentials.Service) string {
	var d credentials.ServiceDefaults
	switch service {
	case credentials.ServiceJira:
		d = r.defaults.Jira
	case credentials.ServiceConfluence:
		d = r.defaults.Confluence
	}
	cred := d.Credential()
	if cred.IsAbsent() {
		return "error: not configured"
	}

	var err error
	switch service {
	case credentials.ServiceJira:
		h, acquireErr := r.jira.Acquire(ctx, cred)
		if acquireErr != nil {
			err = acquireErr
		} else {
			err = h.Client.Ping(ctx)
			h.Release()
		}
	case credentials.ServiceConfluence:
		h, acquireErr := r.conf.Acquire(ctx, cred)
		if acquireErr != nil {
			err = acquireErr
		} else {
			err = h.Client.Ping(ctx)
			h.Release()
		}
	}

	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, upstream.ErrNotConfigured):
		return "error: not configured"
	}
	var upErr *upstream.Error
	if errors.As(err, &upErr) && upErr.Hint != "" {
		return "error: " + upErr.Hint
	}
	return "error: " + err.Error()
}
