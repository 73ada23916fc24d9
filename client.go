package plexrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creachadair/mds/mlink"
	"github.com/gorilla/websocket"

	"github.com/plexrpc/plexrpc/channel"
	"github.com/plexrpc/plexrpc/code"
)

// ClientState describes the connection state of a Client.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// Named events fired by a Client alongside state transitions.
const (
	EventOpen         = "open"         // a connection became usable
	EventClose        = "close"        // the connection was lost or closed
	EventReconnecting = "reconnecting" // a reconnection cycle started
	EventReconnected  = "reconnected"  // a reconnection cycle succeeded
)

var (
	// ErrConnClosed is reported to callers whose requests cannot complete
	// because the client connection closed.
	ErrConnClosed = errors.New("client connection is closed")

	// ErrRequestTimeout is reported to callers whose per-request deadline
	// expired before a response arrived.
	ErrRequestTimeout = errors.New("request timed out")
)

// A Client is a connection coordinator for a plexrpc server. It multiplexes
// concurrent calls over one bidirectional connection, correlating responses
// by id independent of arrival order, and optionally reconnects with capped
// exponential backoff after an unexpected connection loss. Calls issued while
// reconnecting are queued and flushed in order on the new connection.
//
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	wsURL   string // empty for channel-only clients
	httpURL string
	log     func(string, ...any)

	reconnect    bool
	maxAttempts  int
	baseDelay    time.Duration
	delayFactor  float64
	maxDelay     time.Duration
	connTimeout  time.Duration
	httpFallback bool
	callTimeout  time.Duration
	httpRetries  int
	httpClient   *http.Client
	header       http.Header

	counter atomic.Int64

	mu        sync.Mutex
	state     ClientState
	ch        channel.Channel
	usingHTTP bool
	closed    bool
	pending   map[string]*pending
	queue     mlink.Queue[[]byte]
	subs      map[string]map[int]func(json.RawMessage)
	subNext   int
	listeners []func(ClientState)
	events    map[string][]func()
}

type pending struct {
	ch    chan pendingResult // buffered, capacity 1
	timer *time.Timer
}

type pendingResult struct {
	rsp   *Response
	batch *BatchResponse
	err   error
}

// Dial connects to the server at url and returns a ready client. The url may
// use an http(s) or ws(s) scheme; the scheme is swapped per transport and the
// canonical path segment is appended if it is not already the tail.
//
// If the bidirectional connection cannot be established and the options
// enable HTTP fallback, the client is returned in connected state routing all
// calls over HTTP POST.
func Dial(ctx context.Context, url string, opts *ClientOptions) (*Client, error) {
	c := newClient(opts)
	c.wsURL, c.httpURL = normalizeURL(url, opts.pathRoot())

	c.setState(StateConnecting, "")
	ch, err := c.dialWS(ctx)
	if err != nil {
		if !c.httpFallback {
			c.setState(StateDisconnected, "")
			return nil, fmt.Errorf("dial %s: %w", c.wsURL, err)
		}
		c.log("Dial %s failed (%v); falling back to HTTP", c.wsURL, err)
		c.mu.Lock()
		c.usingHTTP = true
		c.mu.Unlock()
		c.setState(StateConnected, EventOpen)
		return c, nil
	}
	c.adopt(ch)
	return c, nil
}

// NewClient returns a client that communicates over an existing channel, for
// in-process servers and tests. Auto-reconnect and HTTP fallback do not apply
// to a channel-only client.
func NewClient(ch channel.Channel, opts *ClientOptions) *Client {
	c := newClient(opts)
	c.adopt(ch)
	return c
}

func newClient(opts *ClientOptions) *Client {
	return &Client{
		log:          opts.logFunc(),
		reconnect:    opts.autoReconnect(),
		maxAttempts:  opts.maxReconnectAttempts(),
		baseDelay:    opts.reconnectDelay(),
		delayFactor:  opts.backoff(),
		maxDelay:     opts.maxDelay(),
		connTimeout:  opts.connectionTimeout(),
		httpFallback: opts.fallbackToHTTP(),
		callTimeout:  opts.requestTimeout(),
		httpRetries:  opts.httpRetries(),
		httpClient:   opts.httpClient(),
		header:       opts.header(),
		pending:      make(map[string]*pending),
		subs:         make(map[string]map[int]func(json.RawMessage)),
		events:       make(map[string][]func()),
	}
}

// adopt installs ch as the live connection, flushes any queued messages in
// order, and starts the read loop.
func (c *Client) adopt(ch channel.Channel) {
	c.mu.Lock()
	c.ch = ch
	for {
		bits, ok := c.queue.Pop()
		if !ok {
			break
		}
		if err := ch.Send(bits); err != nil {
			c.log("Flushing queued message failed: %v", err)
		}
	}
	c.mu.Unlock()
	c.setState(StateConnected, EventOpen)
	go c.readLoop(ch)
}

func (c *Client) dialWS(ctx context.Context) (channel.Channel, error) {
	d := websocket.Dialer{HandshakeTimeout: c.connTimeout}
	conn, _, err := d.DialContext(ctx, c.wsURL, c.header)
	if err != nil {
		return nil, err
	}
	return channel.NewWS(conn), nil
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnState registers a listener invoked on every state transition.
func (c *Client) OnState(fn func(ClientState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnEvent registers a handler for a named client event.
func (c *Client) OnEvent(name string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[name] = append(c.events[name], fn)
}

// setState updates the state and notifies listeners. If event is non-empty,
// the named event handlers fire after the state listeners.
func (c *Client) setState(s ClientState, event string) {
	c.mu.Lock()
	c.state = s
	listeners := make([]func(ClientState), len(c.listeners))
	copy(listeners, c.listeners)
	var handlers []func()
	if event != "" {
		handlers = append(handlers, c.events[event]...)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
	for _, fn := range handlers {
		fn()
	}
}

// nextID allocates a locally unique request id: wall-clock milliseconds
// suffixed with a monotonic counter. The ids are unique within this process
// across reconnects, but are not globally unique.
func (c *Client) nextID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), c.counter.Add(1))
}

// Call invokes method with the given params and returns the server's
// response. A nil params is omitted from the request; any other value is
// JSON-marshaled (a json.RawMessage is used verbatim). Call blocks until a
// response arrives, the per-request timeout expires, ctx ends, or the
// connection closes without reconnection.
//
// An application-level failure is returned as an error of concrete type
// *Error; the response is returned as well so metadata stays accessible.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	req := &Request{ID: c.nextID(), Method: method}
	if params != nil {
		bits, err := marshalParams(params)
		if err != nil {
			return nil, err
		}
		req.Params = bits
	}
	return c.send(ctx, req)
}

// CallResult invokes method and decodes the result into v. A nil v discards
// the result.
func (c *Client) CallResult(ctx context.Context, method string, params, v any) error {
	rsp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return rsp.UnmarshalResult(v)
}

func marshalParams(params any) (json.RawMessage, error) {
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	bits, err := json.Marshal(params)
	if err != nil {
		return nil, Errorf(code.ParseError, "Parse error: %v", err)
	}
	return bits, nil
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	bits, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if c.isHTTP() {
		return c.postCall(ctx, bits)
	}
	p, err := c.register(req.ID)
	if err != nil {
		return nil, err
	}
	if err := c.write(bits); err != nil {
		c.resolve(req.ID, pendingResult{err: err})
	}
	res, err := c.await(ctx, req.ID, p)
	if err != nil {
		return nil, err
	}
	if res.rsp == nil {
		return nil, Errorf(code.InvalidRequest, "Invalid response: batch envelope for a single call")
	}
	if res.rsp.Error != nil {
		return res.rsp, res.rsp.Error
	}
	return res.rsp, nil
}

// CallBatch sends b as a single batch request and returns its batch response.
// If b has no id, one is allocated. Member responses are in request order;
// with abort-on-error the response list may be shorter than the request list.
func (c *Client) CallBatch(ctx context.Context, b *BatchRequest) (*BatchResponse, error) {
	if b.ID == "" {
		b.ID = c.nextID()
	}
	bits, err := EncodeBatchRequest(b)
	if err != nil {
		return nil, err
	}
	if c.isHTTP() {
		return c.postBatch(ctx, bits)
	}
	p, err := c.register(b.ID)
	if err != nil {
		return nil, err
	}
	if err := c.write(bits); err != nil {
		c.resolve(b.ID, pendingResult{err: err})
	}
	res, err := c.await(ctx, b.ID, p)
	if err != nil {
		return nil, err
	}
	// The server may refuse the batch as a whole with a single error envelope
	// bearing the batch id; surface that error rather than an empty result.
	if res.batch == nil {
		if res.rsp != nil && res.rsp.Error != nil {
			return nil, res.rsp.Error
		}
		return nil, Errorf(code.InvalidRequest, "Invalid response: missing batch envelope")
	}
	return res.batch, nil
}

// register creates the pending entry for id and arms its timeout.
func (c *Client) register(id string) (*pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	p := &pending{ch: make(chan pendingResult, 1)}
	if c.callTimeout > 0 {
		p.timer = time.AfterFunc(c.callTimeout, func() {
			c.resolve(id, pendingResult{err: ErrRequestTimeout})
		})
	}
	c.pending[id] = p
	return p, nil
}

// write sends bits on the live connection, or queues them when the client is
// between connections.
func (c *Client) write(bits []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.state != StateConnected || c.ch == nil {
		c.queue.Add(bits)
		c.mu.Unlock()
		return nil
	}
	ch := c.ch
	c.mu.Unlock()
	return ch.Send(bits)
}

func (c *Client) await(ctx context.Context, id string, p *pending) (pendingResult, error) {
	select {
	case res := <-p.ch:
		if res.err != nil {
			return res, res.err
		}
		return res, nil
	case <-ctx.Done():
		c.resolve(id, pendingResult{err: ctx.Err()})
		return pendingResult{}, ctx.Err()
	}
}

// resolve removes the pending entry for id and delivers res to its waiter.
// A response for an id with no pending entry is dropped.
func (c *Client) resolve(id string, res pendingResult) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()
	if ok {
		p.ch <- res
	}
}

// rejectAll fails every pending request with err.
func (c *Client) rejectAll(err error) {
	c.mu.Lock()
	pend := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()
	for _, p := range pend {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- pendingResult{err: err}
	}
}

// readLoop routes inbound messages until ch fails, then hands off to the
// close path. Unparseable frames are dropped.
func (c *Client) readLoop(ch channel.Channel) {
	for {
		bits, err := ch.Recv()
		if err != nil {
			c.handleClose(ch, err)
			return
		}
		c.route(bits)
	}
}

func (c *Client) route(bits []byte) {
	if isBatchResponse(bits) {
		b, err := ParseBatchResponse(bits)
		if err != nil {
			c.log("Dropping unparseable batch response: %v", err)
			return
		}
		c.resolve(b.ID, pendingResult{batch: b})
		return
	}
	rsp, err := ParseResponse(bits)
	if err != nil {
		c.log("Dropping unparseable message: %v", err)
		return
	}
	// An empty id marks a subscription event, never a reply.
	if rsp.IsEvent() {
		c.deliverEvent(rsp)
		return
	}
	c.resolve(rsp.ID, pendingResult{rsp: rsp})
}

func isBatchResponse(bits []byte) bool {
	var probe struct {
		Responses json.RawMessage `json:"responses"`
	}
	if err := json.Unmarshal(bits, &probe); err != nil {
		return false
	}
	return len(probe.Responses) != 0 && probe.Responses[0] == '['
}

func (c *Client) deliverEvent(rsp *Response) {
	var ev Event
	if err := json.Unmarshal(rsp.Result, &ev); err != nil || ev.Channel == "" {
		c.log("Dropping malformed event envelope")
		return
	}
	c.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(c.subs[ev.Channel]))
	for _, fn := range c.subs[ev.Channel] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(ev.Data)
	}
}

// Subscribe registers fn for events on the named channel and returns a
// cancel function that removes it. Removing the last handler frees the
// channel entry. Subscription routing is local; granting the server-side
// subscription is the application's affair.
func (c *Client) Subscribe(channelName string, fn func(data json.RawMessage)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.subs[channelName]
	if !ok {
		m = make(map[int]func(json.RawMessage))
		c.subs[channelName] = m
	}
	c.subNext++
	id := c.subNext
	m[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(m, id)
		if len(m) == 0 {
			delete(c.subs, channelName)
		}
	}
}

// handleClose reacts to the loss of ch: an expected loss (Close was called)
// finishes quietly; an unexpected one either starts the reconnection cycle or
// fails all pending requests.
func (c *Client) handleClose(ch channel.Channel, err error) {
	c.mu.Lock()
	if c.ch != ch { // a newer connection took over
		c.mu.Unlock()
		return
	}
	c.ch = nil
	closed := c.closed
	canRetry := c.reconnect && c.wsURL != "" && !closed
	c.mu.Unlock()

	if closed {
		return
	}
	if !channel.IsErrClosing(err) {
		c.log("Connection lost: %v", err)
	}
	if canRetry {
		c.setState(StateReconnecting, EventReconnecting)
		go c.reconnectLoop()
		return
	}
	c.rejectAll(ErrConnClosed)
	c.setState(StateDisconnected, EventClose)
}

// reconnectLoop retries the dial on the backoff curve baseDelay x
// delayFactor^(attempt-1), capped at maxDelay, for up to maxAttempts
// attempts. Success flushes the queue and resumes; exhaustion rejects all
// pending requests.
func (c *Client) reconnectLoop() {
	curve := backoff.NewExponentialBackOff()
	curve.InitialInterval = c.baseDelay
	curve.Multiplier = c.delayFactor
	curve.MaxInterval = c.maxDelay
	curve.RandomizationFactor = 0
	curve.MaxElapsedTime = 0
	curve.Reset()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		time.Sleep(curve.NextBackOff())
		if c.State() == StateClosed {
			return
		}
		ctx, cancelDial := context.WithTimeout(context.Background(), c.connTimeout)
		ch, err := c.dialWS(ctx)
		cancelDial()
		if err != nil {
			c.log("Reconnect attempt %d/%d failed: %v", attempt, c.maxAttempts, err)
			continue
		}
		c.mu.Lock()
		c.ch = ch
		for {
			bits, ok := c.queue.Pop()
			if !ok {
				break
			}
			if err := ch.Send(bits); err != nil {
				c.log("Flushing queued message failed: %v", err)
			}
		}
		c.mu.Unlock()
		c.setState(StateConnected, EventReconnected)
		go c.readLoop(ch)
		return
	}
	c.rejectAll(ErrConnClosed)
	c.setState(StateDisconnected, EventClose)
}

// Close shuts the client down. All pending requests are rejected with
// ErrConnClosed. Close is safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	c.rejectAll(ErrConnClosed)
	c.setState(StateClosed, EventClose)
	return nil
}

func (c *Client) isHTTP() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usingHTTP
}

// postCall issues a single call over HTTP POST.
func (c *Client) postCall(ctx context.Context, body []byte) (*Response, error) {
	bits, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	rsp, err := ParseResponse(bits)
	if err != nil {
		return nil, err
	}
	if rsp.Error != nil {
		return rsp, rsp.Error
	}
	return rsp, nil
}

// postBatch issues a batch call over HTTP POST.
func (c *Client) postBatch(ctx context.Context, body []byte) (*BatchResponse, error) {
	bits, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return ParseBatchResponse(bits)
}

// post performs the HTTP request with retries for network-level failures.
// A non-2xx reply carrying a JSON error body is reported as an *Error
// matching the server's shape.
func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	var lastErr error
	for attempt := 0; attempt <= c.httpRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, strings.NewReader(string(body)))
		if err != nil {
			return nil, err
		}
		for k, vs := range c.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Content-Type", "application/json")

		hrsp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrRequestTimeout
			}
			lastErr = err
			continue
		}
		bits, err := io.ReadAll(hrsp.Body)
		hrsp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if hrsp.StatusCode/100 != 2 {
			if rsp, perr := ParseResponse(bits); perr == nil && rsp.Error != nil {
				return nil, rsp.Error
			}
			return nil, fmt.Errorf("http status %d", hrsp.StatusCode)
		}
		return bits, nil
	}
	return nil, fmt.Errorf("request failed: %w", lastErr)
}

// normalizeURL derives the WebSocket and HTTP endpoint URLs from a caller
// supplied address in either scheme family, appending the canonical path
// segment if it is not already the tail.
func normalizeURL(url, root string) (wsURL, httpURL string) {
	u := url
	secure := false
	switch {
	case strings.HasPrefix(u, "https://"):
		u, secure = strings.TrimPrefix(u, "https://"), true
	case strings.HasPrefix(u, "http://"):
		u = strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "wss://"):
		u, secure = strings.TrimPrefix(u, "wss://"), true
	case strings.HasPrefix(u, "ws://"):
		u = strings.TrimPrefix(u, "ws://")
	}
	u = strings.TrimSuffix(u, "/")
	if !strings.HasSuffix(u, "/"+root) {
		u += "/" + root
	}
	if secure {
		return "wss://" + u, "https://" + u
	}
	return "ws://" + u, "http://" + u
}
