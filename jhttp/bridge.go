// Package jhttp implements the HTTP face of a plexrpc server: WebSocket
// upgrades handed to a hub, single and batch invocation over HTTP POST, and
// hyperlinked discovery documents over GET.
package jhttp

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plexrpc/plexrpc"
	"github.com/plexrpc/plexrpc/channel"
	"github.com/plexrpc/plexrpc/code"
	"github.com/plexrpc/plexrpc/handler"
	"github.com/plexrpc/plexrpc/hub"
)

// A Bridge is an http.Handler that serves all the HTTP-visible surfaces of a
// plexrpc server on one canonical path:
//
//	WS upgrade  /{root}           bidirectional connection, handed to the hub
//	POST        /{root}           single or batch invocation
//	POST        /{root}/{method}  alternate invocation, body taken as params
//	GET         /{root}[/{name}]  discovery documents
//	OPTIONS     any               CORS preflight
//
// Application-level failures over POST are returned with HTTP 200 and the
// error in the response envelope; the 4xx statuses are reserved for transport
// preconditions.
type Bridge struct {
	engine  *plexrpc.Engine
	reg     *handler.Registry
	hub     *hub.Hub
	root    string
	maxBody int64
	limiter *fixedWindow
	keyHdr  string
	log     func(string, ...any)
	up      websocket.Upgrader
}

// NewBridge constructs a bridge that dispatches on engine and documents the
// methods in reg. If h != nil, WebSocket upgrade requests are admitted to it;
// otherwise upgrades are refused. This function panics if engine or reg is
// nil.
func NewBridge(engine *plexrpc.Engine, reg *handler.Registry, h *hub.Hub, opts *BridgeOptions) *Bridge {
	if engine == nil {
		panic("nil engine")
	} else if reg == nil {
		panic("nil registry")
	}
	b := &Bridge{
		engine:  engine,
		reg:     reg,
		hub:     h,
		root:    opts.rootToken(),
		maxBody: opts.maxPayloadBytes(),
		keyHdr:  opts.clientHeader(),
		log:     opts.logFunc(),
		up: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if p := opts.ratePolicy(); p != nil {
		b.limiter = newFixedWindow(p.Max, p.Window)
	}
	return b
}

// Root returns the canonical path prefix segment, without slashes.
func (b *Bridge) Root() string { return b.root }

// ServeHTTP implements the http.Handler interface.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if strings.Contains(req.URL.Path, "..") {
		applyCORS(w)
		writeJSON(w, http.StatusBadRequest, plexrpc.MarshalErrorResponse(nil,
			plexrpc.Errorf(code.InvalidRequest, "Invalid request: path traversal")))
		return
	}
	if websocket.IsWebSocketUpgrade(req) {
		b.serveWS(w, req)
		return
	}
	switch req.Method {
	case http.MethodOptions:
		applyCORS(w)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		applyCORS(w)
		b.serveGet(w, req)
	case http.MethodPost:
		applyCORS(w)
		if target := b.target(req.URL.Path); target != "" {
			b.servePostMethod(w, req, target)
		} else {
			b.servePost(w, req)
		}
	default:
		applyCORS(w)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// serveWS upgrades the connection and blocks serving it on the hub until the
// peer disconnects.
func (b *Bridge) serveWS(w http.ResponseWriter, req *http.Request) {
	if b.hub == nil {
		http.Error(w, "websocket not supported", http.StatusNotImplemented)
		return
	}
	conn, err := b.up.Upgrade(w, req, nil)
	if err != nil {
		b.log("Upgrade failed: %v", err) // Upgrade already replied
		return
	}
	sock := hub.NewMemorySocket(channel.NewWS(conn))
	if err := b.hub.Serve(req.Context(), sock); err != nil {
		b.log("Connection ended: %v", err)
	}
	conn.Close()
}

// servePost handles a single or batch invocation. The preconditions each map
// to a distinct status; once dispatch runs, the status is 200 regardless of
// whether the envelope carries an error.
func (b *Bridge) servePost(w http.ResponseWriter, req *http.Request) {
	if !strings.Contains(req.Header.Get("Content-Type"), "application/json") {
		writeJSON(w, http.StatusUnsupportedMediaType, plexrpc.MarshalErrorResponse(nil,
			plexrpc.Errorf(code.ParseError, "Parse error: content type must be application/json")))
		return
	}
	if b.limiter != nil && !b.limiter.Allow(b.clientKey(req)) {
		writeJSON(w, http.StatusTooManyRequests, plexrpc.MarshalErrorResponse(nil,
			plexrpc.Errorf(code.RateLimited, "Rate limit exceeded")))
		return
	}
	body, ok := b.readBody(w, req)
	if !ok {
		return
	}

	var out []byte
	if plexrpc.IsBatch(body) {
		batch, err := plexrpc.ParseBatchRequest(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, plexrpc.MarshalErrorResponse(plexrpc.RecoverID(body), plexrpc.ErrorFromError(err)))
			return
		}
		rsp, err := b.engine.DispatchBatch(req.Context(), batch)
		if err != nil {
			writeJSON(w, http.StatusOK, plexrpc.MarshalErrorResponse(&batch.ID, plexrpc.ErrorFromError(err)))
			return
		}
		out, err = plexrpc.EncodeBatchResponse(rsp)
		if err != nil {
			writeJSON(w, http.StatusOK, plexrpc.MarshalErrorResponse(&batch.ID, plexrpc.ErrorFromError(err)))
			return
		}
	} else {
		r, err := plexrpc.ParseRequest(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, plexrpc.MarshalErrorResponse(plexrpc.RecoverID(body), plexrpc.ErrorFromError(err)))
			return
		}
		rsp := b.engine.Dispatch(req.Context(), r)
		out, err = plexrpc.EncodeResponse(rsp)
		if err != nil {
			writeJSON(w, http.StatusOK, plexrpc.MarshalErrorResponse(&r.ID, plexrpc.ErrorFromError(err)))
			return
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// readBody reads the POST body up to the payload limit. On failure it writes
// the error response and reports false.
func (b *Bridge) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	rd := req.Body
	if b.maxBody > 0 {
		if req.ContentLength > b.maxBody {
			writeJSON(w, http.StatusRequestEntityTooLarge, plexrpc.MarshalErrorResponse(nil,
				plexrpc.Errorf(code.InvalidRequest, "Invalid request: payload exceeds %d bytes", b.maxBody)))
			return nil, false
		}
		rd = http.MaxBytesReader(w, req.Body, b.maxBody)
	}
	body, err := io.ReadAll(rd)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, plexrpc.MarshalErrorResponse(nil,
			plexrpc.Errorf(code.InvalidRequest, "Invalid request: payload exceeds %d bytes", b.maxBody)))
		return nil, false
	}
	return body, true
}

// clientKey returns the rate-limit bucket key for req: the configured client
// identifier header when present, otherwise a shared sentinel.
func (b *Bridge) clientKey(req *http.Request) string {
	if v := req.Header.Get(b.keyHdr); v != "" {
		return v
	}
	return "anonymous"
}

// target returns the path segment after the canonical prefix, or "".
func (b *Bridge) target(path string) string {
	p := strings.Trim(path, "/")
	if p == b.root {
		return ""
	}
	if rest, ok := strings.CutPrefix(p, b.root+"/"); ok {
		return strings.Trim(rest, "/")
	}
	return p
}

func applyCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// BridgeOptions control the behaviour of a bridge created by NewBridge.
// A nil *BridgeOptions provides sensible defaults.
type BridgeOptions struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer

	// Canonical path prefix segment, without slashes. Empty uses "rpc".
	Root string

	// Largest accepted POST body in bytes. A zero value uses 1 MiB; a
	// negative value removes the limit.
	MaxPayloadBytes int64

	// If not nil, apply a fixed-window budget per client key to POST calls.
	RateLimit *RatePolicy

	// Header naming the client for rate-limit bucketing. Empty uses
	// "X-Client-ID"; requests without the header share one bucket.
	ClientHeader string
}

// A RatePolicy is a fixed-window request budget: at most Max requests per
// client key within each window.
type RatePolicy struct {
	Max    int
	Window time.Duration
}

func (o *BridgeOptions) logFunc() func(string, ...any) {
	if o == nil || o.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(o.LogWriter, "[jhttp] ", log.LstdFlags|log.Lshortfile)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (o *BridgeOptions) rootToken() string {
	if o == nil || o.Root == "" {
		return "rpc"
	}
	return strings.Trim(o.Root, "/")
}

func (o *BridgeOptions) maxPayloadBytes() int64 {
	if o == nil || o.MaxPayloadBytes == 0 {
		return 1 << 20
	}
	if o.MaxPayloadBytes < 0 {
		return 0
	}
	return o.MaxPayloadBytes
}

func (o *BridgeOptions) ratePolicy() *RatePolicy {
	if o == nil {
		return nil
	}
	return o.RateLimit
}

func (o *BridgeOptions) clientHeader() string {
	if o == nil || o.ClientHeader == "" {
		return "X-Client-ID"
	}
	return o.ClientHeader
}
