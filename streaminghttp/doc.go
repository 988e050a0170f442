// Package streaminghttp adapts the relay to HTTP.
//
// Two endpoints carry JSON-RPC envelopes. POST /sse opens a long-lived
// server-sent-event stream: the first frame is a notifications/initialized
// greeting carrying the session id, and every subsequent frame is one
// response or notification. POST /mcp is the single-shot fallback: without a
// session header the terminal response comes back as the JSON body; with
// Mcp-Session-Id it injects the message into a live stream session and
// returns 202.
//
// Credential headers are read per call, never per connection: a message
// POSTed into an existing session resolves against the headers of that POST.
//
// GET /health, GET / and GET /metrics are read-only operational surfaces.
package streaminghttp
