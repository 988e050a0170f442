// Package mcp contains protocol data types and constants shared across the
// transport and relay layers. It mirrors the wire representation of the
// Model Context Protocol subset this server speaks while keeping the surface
// Go-friendly (exported structs with json tags, string constants for method
// names).
//
// The package is intentionally free of transport logic: the HTTP layer and
// the relay import these types but implement their own framing, credential
// resolution and session handling.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsCallMethod). Using the constants avoids typographical mistakes
// and gives a single point of truth for the dispatch table.
//
// # Capabilities
//
// ServerCapabilities captures the advertised feature set. It is a thin
// struct shaped to match the JSON wire form; the relay fills it once during
// initialize and the transport repeats it in each session's opening frame.
package mcp
