package plexrpc

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime"
	"time"
)

const logFlags = log.LstdFlags | log.Lshortfile

// EngineOptions control the behaviour of an engine created by NewEngine.
// A nil *EngineOptions provides sensible defaults.
type EngineOptions struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer

	// Allows up to the specified number of concurrent goroutines to execute
	// when processing requests. A value less than 1 uses runtime.NumCPU().
	Concurrency int

	// If positive, each call races this deadline; expiry yields a timeout
	// error response and the handler's eventual result is discarded.
	MethodTimeout time.Duration

	// If positive, batches with more members than this are rejected with an
	// invalid-request error.
	MaxBatchSize int

	// If true, internal error responses carry a generic message and no data.
	// Success responses and in-band errors are unaffected.
	ProductionMode bool
}

func (o *EngineOptions) logFunc() func(string, ...any) {
	if o == nil || o.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(o.LogWriter, "[plexrpc.Engine] ", logFlags)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (o *EngineOptions) concurrency() int64 {
	if o == nil || o.Concurrency < 1 {
		return int64(runtime.NumCPU())
	}
	return int64(o.Concurrency)
}

func (o *EngineOptions) methodTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.MethodTimeout
}

func (o *EngineOptions) maxBatchSize() int {
	if o == nil {
		return 0
	}
	return o.MaxBatchSize
}

func (o *EngineOptions) productionMode() bool { return o != nil && o.ProductionMode }

// ClientOptions control the behaviour of a client created by Dial or
// NewClient. A nil *ClientOptions provides sensible defaults.
type ClientOptions struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer

	// Enable reconnection with capped exponential backoff after an
	// unexpected connection loss.
	AutoReconnect bool

	// Maximum number of reconnection attempts before giving up.
	// A value less than 1 uses 5.
	MaxReconnectAttempts int

	// Delay before the first reconnection attempt. Subsequent attempts
	// multiply the delay by Backoff, capped at MaxDelay.
	// A zero value uses 500ms.
	ReconnectDelay time.Duration

	// Backoff multiplier applied between attempts. Values below 1 use 2.
	Backoff float64

	// Upper bound on the delay between attempts. A zero value uses 30s.
	MaxDelay time.Duration

	// Deadline for establishing the initial connection. A zero value uses 10s.
	ConnectionTimeout time.Duration

	// If the initial bidirectional connection fails, fall back to the
	// request/response transport instead of reporting an error.
	FallbackToHTTP bool

	// Per-call deadline. Expiry rejects the caller with ErrRequestTimeout;
	// a later server response for that id is dropped. A zero value uses 30s;
	// a negative value disables the deadline.
	RequestTimeout time.Duration

	// Number of retries for request/response transport calls that fail at
	// the network level. A value less than 0 disables retries; 0 uses 2.
	HTTPRetries int

	// HTTP client used for the request/response transport.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Headers attached to the WebSocket handshake and to HTTP POST calls.
	Header http.Header

	// Canonical path segment appended to the server URL when it is not
	// already the tail. Empty uses "rpc".
	PathRoot string
}

func (o *ClientOptions) logFunc() func(string, ...any) {
	if o == nil || o.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(o.LogWriter, "[plexrpc.Client] ", logFlags)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (o *ClientOptions) autoReconnect() bool { return o != nil && o.AutoReconnect }

func (o *ClientOptions) maxReconnectAttempts() int {
	if o == nil || o.MaxReconnectAttempts < 1 {
		return 5
	}
	return o.MaxReconnectAttempts
}

func (o *ClientOptions) reconnectDelay() time.Duration {
	if o == nil || o.ReconnectDelay <= 0 {
		return 500 * time.Millisecond
	}
	return o.ReconnectDelay
}

func (o *ClientOptions) backoff() float64 {
	if o == nil || o.Backoff < 1 {
		return 2
	}
	return o.Backoff
}

func (o *ClientOptions) maxDelay() time.Duration {
	if o == nil || o.MaxDelay <= 0 {
		return 30 * time.Second
	}
	return o.MaxDelay
}

func (o *ClientOptions) connectionTimeout() time.Duration {
	if o == nil || o.ConnectionTimeout <= 0 {
		return 10 * time.Second
	}
	return o.ConnectionTimeout
}

func (o *ClientOptions) fallbackToHTTP() bool { return o != nil && o.FallbackToHTTP }

func (o *ClientOptions) requestTimeout() time.Duration {
	if o == nil || o.RequestTimeout == 0 {
		return 30 * time.Second
	}
	if o.RequestTimeout < 0 {
		return 0
	}
	return o.RequestTimeout
}

func (o *ClientOptions) httpRetries() int {
	if o == nil || o.HTTPRetries == 0 {
		return 2
	}
	if o.HTTPRetries < 0 {
		return 0
	}
	return o.HTTPRetries
}

func (o *ClientOptions) httpClient() *http.Client {
	if o == nil || o.HTTPClient == nil {
		return http.DefaultClient
	}
	return o.HTTPClient
}

func (o *ClientOptions) header() http.Header {
	if o == nil {
		return nil
	}
	return o.Header
}

func (o *ClientOptions) pathRoot() string {
	if o == nil || o.PathRoot == "" {
		return "rpc"
	}
	return o.PathRoot
}
