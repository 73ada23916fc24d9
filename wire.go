package plexrpc

import (
	"encoding/json"
	"strings"
)

// A Request is a single method invocation. The ID is chosen by the caller and
// must be a non-empty string; the Method is a non-empty dotted name.
//
// Params may be absent (nil), an explicit JSON null, or any other JSON value.
// A nil Params is omitted from the encoding; the raw message "null" is
// preserved. Callers must not rely on any deeper structure: the params value
// is delivered to the handler exactly as received.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Meta   *Meta           `json:"meta,omitempty"`
}

// HasParams reports whether the request has a params value, including an
// explicit null.
func (r *Request) HasParams() bool { return len(r.Params) != 0 }

// UnmarshalParams decodes the request parameters into v.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.Params) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.Params, v)
}

// A Response reports the outcome of a single request. It carries the ID of
// the request that produced it and at most one of Result or Error. A response
// with neither is a void return, which the codec accepts.
//
// An empty ID marks an unsolicited event pushed by the server (see Event);
// such an envelope is never a reply to a pending request.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Meta   *Meta           `json:"meta,omitempty"`
}

// UnmarshalResult decodes the result value into v. If the response carries an
// error, it is returned with concrete type *Error and v is unmodified.
func (r *Response) UnmarshalResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.Result, v)
}

// IsEvent reports whether r is an unsolicited event envelope (empty ID).
func (r *Response) IsEvent() bool { return r.ID == "" }

// Meta is optional request and response metadata. All fields are optional;
// the zero Meta encodes as an empty object.
type Meta struct {
	Timestamp int64             `json:"timestamp,omitempty"` // milliseconds since epoch
	TraceID   string            `json:"traceId,omitempty"`
	Token     string            `json:"token,omitempty"` // opaque authentication token
	Headers   map[string]string `json:"headers,omitempty"`
	Duration  float64           `json:"duration,omitempty"` // handler elapsed time, milliseconds
}

// A BatchRequest aggregates multiple requests under a single ID. When
// AbortOnError is true the members are executed sequentially and execution
// stops at the first member error; otherwise they run in parallel.
type BatchRequest struct {
	ID           string     `json:"id"`
	Requests     []*Request `json:"requests"`
	AbortOnError bool       `json:"abortOnError,omitempty"`
}

// A BatchResponse carries the responses for the members of a batch that were
// executed, in request order. Success is true if no member reported an error.
// With abort-on-error the response list may be shorter than the request list.
type BatchResponse struct {
	ID        string      `json:"id"`
	Responses []*Response `json:"responses"`
	Success   bool        `json:"success"`
	Duration  float64     `json:"duration,omitempty"` // milliseconds
}

// An Event is the payload of a broadcast envelope: the name of the
// subscription channel and the data emitted on it. It travels in the Result
// field of a Response whose ID is empty.
type Event struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MethodNamespace returns the namespace of a dotted method name: the second
// dot-separated segment, or "" if the name has fewer than two segments. The
// dotted structure is a naming convention; any non-empty string is a legal
// method name.
func MethodNamespace(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// MethodAction returns the action of a dotted method name: the segments after
// the namespace rejoined with dots, or "" if there are none.
func MethodAction(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[2:], ".")
}
