package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Code is a JSON-RPC error code. The reserved protocol errors are numeric per
// the JSON-RPC 2.0 spec; application-level errors use stable string codes so
// clients can branch on them without a numeric registry.
type Code struct {
	value any
}

// Reserved JSON-RPC 2.0 error codes.
var (
	CodeParseError     = NumberCode(-32700)
	CodeInvalidRequest = NumberCode(-32600)
	CodeMethodNotFound = NumberCode(-32601)
	CodeInvalidParams  = NumberCode(-32602)
	CodeInternalError  = NumberCode(-32603)
)

// Application error codes.
var (
	// CodeAuthRequired signals that no usable credential was resolved for a
	// required upstream service. Clients should prompt for credentials.
	CodeAuthRequired = StringCode("AUTH_REQUIRED")
	// CodeUpstreamError signals a network failure, timeout, or non-2xx from an
	// upstream service. The caller may retry.
	CodeUpstreamError = StringCode("UPSTREAM_ERROR")
)

// NumberCode wraps a numeric JSON-RPC error code.
func NumberCode(n int64) Code { return Code{value: n} }

// StringCode wraps a string application error code.
func StringCode(s string) Code { return Code{value: s} }

// String renders the code for logs.
func (c Code) String() string {
	switch v := c.value.(type) {
	case int64:
		return fmt.Sprintf("%d", v)
	case string:
		return v
	default:
		return ""
	}
}

// IsZero reports whether the code was never set.
func (c Code) IsZero() bool { return c.value == nil }

// MarshalJSON implements json.Marshaler.
func (c Code) MarshalJSON() ([]byte, error) {
	if c.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(c.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Code) UnmarshalJSON(data []byte) error {
	var num int64
	if err := json.Unmarshal(data, &num); err == nil {
		c.value = num
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		c.value = str
		return nil
	}
	return fmt.Errorf("error code must be a number or string, got: %s", string(data))
}
