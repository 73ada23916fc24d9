// Package hub implements the server-side connection manager: per-connection
// lifecycle with hibernation, queued-event replay, and broadcast fan-out.
package hub

import (
	"context"
	"encoding/json"
	"expvar"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plexrpc/plexrpc"
	"github.com/plexrpc/plexrpc/channel"
)

var (
	hubMetrics = new(expvar.Map)

	connsActiveGauge      = new(expvar.Int)
	connsHibernatingGauge = new(expvar.Int)
	eventsQueuedCount     = new(expvar.Int)
	eventsDroppedCount    = new(expvar.Int)
	broadcastsCount       = new(expvar.Int)
)

func init() {
	hubMetrics.Set("connections_active", connsActiveGauge)
	hubMetrics.Set("connections_hibernating", connsHibernatingGauge)
	hubMetrics.Set("events_queued", eventsQueuedCount)
	hubMetrics.Set("events_dropped", eventsDroppedCount)
	hubMetrics.Set("broadcasts", broadcastsCount)
}

// Metrics returns a map of exported hub metrics for use with the expvar
// package. The map is shared among all hubs. The caller is responsible for
// publishing it via expvar.Publish or similar.
func Metrics() *expvar.Map { return hubMetrics }

// HibernationReason is the close reason delivered to a connection whose
// maximum hibernation lifetime expired.
const HibernationReason = "hibernation expired"

// A Hub owns the set of live connections and drives each through the
// open/hibernating/closed state machine. Request handling is concurrent:
// multiple requests on the same connection may run in parallel, with
// responses correlated by id rather than order.
type Hub struct {
	engine     *plexrpc.Engine
	idle       time.Duration
	maxHib     time.Duration
	queueLimit int
	log        func(string, ...any)

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub returns a hub that dispatches inbound messages on engine.
// This function panics if engine == nil.
func NewHub(engine *plexrpc.Engine, opts *Options) *Hub {
	if engine == nil {
		panic("nil engine")
	}
	return &Hub{
		engine:     engine,
		idle:       opts.idleTimeout(),
		maxHib:     opts.maxHibernation(),
		queueLimit: opts.queueLimit(),
		log:        opts.logFunc(),
		conns:      make(map[string]*Conn),
	}
}

// Serve admits sock as a connection and processes its inbound messages until
// the socket closes or fails. A socket carrying an attachment wakes the
// connection it describes; otherwise a fresh connection is created. Serve
// returns nil on an orderly close.
func (h *Hub) Serve(ctx context.Context, sock Socket) error {
	conn := h.admit(sock)
	defer h.drop(conn)
	for {
		bits, err := sock.Recv()
		if err != nil {
			if channel.IsErrClosing(err) {
				return nil
			}
			return err
		}
		h.inbound(ctx, conn, bits)
	}
}

// Conn returns the connection with the given id, if it is known to the hub.
func (h *Hub) Conn(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Conns returns a snapshot of the connections the hub is tracking.
func (h *Hub) Conns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Len reports the number of connections the hub is tracking, in any state.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast fans an event out to every connection subscribed to the named
// channel. Open connections receive the envelope immediately; hibernating
// connections receive it into their bounded queue; closed connections are
// skipped. If filter != nil, only connections whose externalized state
// satisfies it are considered. It returns the number of connections the
// event was delivered or queued to.
func (h *Hub) Broadcast(channelName string, data any, filter func(ConnState) bool) (int, error) {
	dbits, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	rbits, err := json.Marshal(plexrpc.Event{Channel: channelName, Data: dbits})
	if err != nil {
		return 0, err
	}
	// Empty id marks the envelope as an unsolicited event.
	bits, err := plexrpc.EncodeResponse(&plexrpc.Response{ID: "", Result: rbits})
	if err != nil {
		return 0, err
	}
	broadcastsCount.Add(1)

	// Queue for hibernating targets under the lock; write to open targets
	// after releasing it, so a slow socket cannot stall the hub.
	h.mu.Lock()
	var live []*Conn
	var n int
	for _, c := range h.conns {
		if c.status == StatusClosed {
			continue
		}
		if _, ok := c.channels[channelName]; !ok {
			continue
		}
		if filter != nil && !filter(c.stateLocked()) {
			continue
		}
		if c.status == StatusHibernating {
			c.enqueueLocked(bits)
			n++
			continue
		}
		live = append(live, c)
	}
	h.mu.Unlock()

	for _, c := range live {
		if err := c.sock.Send(bits); err != nil {
			h.log("Broadcast to %s failed: %v", c.id, err)
			continue
		}
		n++
	}
	return n, nil
}

// admit creates the connection record for sock. When the socket carries an
// attachment the record is rebuilt from it, superseding any record the hub
// still holds for the same id; queued events of the superseded record are
// adopted and replayed in order.
func (h *Hub) admit(sock Socket) *Conn {
	var att Attachment
	restored := false
	if bits, err := sock.DeserializeAttachment(); err != nil {
		h.log("Reading attachment failed: %v", err)
	} else if len(bits) != 0 && json.Unmarshal(bits, &att) == nil && att.ID != "" {
		restored = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c := &Conn{
		hub:         h,
		sock:        sock,
		status:      StatusOpen,
		connectedAt: time.Now(),
		channels:    make(map[string]struct{}),
		data:        make(map[string]any),
	}
	if restored {
		c.id = att.ID
		for _, name := range att.Channels {
			c.channels[name] = struct{}{}
		}
		for k, v := range att.Data {
			c.data[k] = v
		}
		if old := h.conns[att.ID]; old != nil && old != c {
			old.stopTimersLocked()
			if old.status == StatusHibernating {
				connsHibernatingGauge.Add(-1)
			}
			old.status = StatusClosed
			connsActiveGauge.Add(-1)
			c.queue = old.queue
			h.log("Connection %s superseded on wake", att.ID)
		}
	} else {
		c.id = uuid.NewString()
	}
	h.conns[c.id] = c
	connsActiveGauge.Add(1)
	c.replayLocked()
	c.resetIdleLocked()
	return c
}

// inbound accounts for a message on c and dispatches it. Any inbound message
// wakes a hibernating connection, draining its queue before the response to
// the triggering message can be written. Only inbound activity resets the
// idle countdown.
func (h *Hub) inbound(ctx context.Context, c *Conn, bits []byte) {
	h.mu.Lock()
	if c.status == StatusClosed {
		h.mu.Unlock()
		return
	}
	c.lastMessage = time.Now()
	if c.status == StatusHibernating {
		h.wakeLocked(c)
	}
	c.resetIdleLocked()
	h.mu.Unlock()

	go h.dispatch(ctx, c, bits)
}

// wakeLocked returns c to the open state: the max-hibernation countdown is
// cancelled and queued events are replayed in FIFO order. The caller must
// hold h.mu.
func (h *Hub) wakeLocked(c *Conn) {
	if c.maxTimer != nil {
		c.maxTimer.Stop()
		c.maxTimer = nil
	}
	c.status = StatusOpen
	c.hibernatedAt = time.Time{}
	connsHibernatingGauge.Add(-1)
	c.replayLocked()
}

// dispatch parses one inbound message, runs it through the engine, and
// writes the response envelope back to the socket. Parse failures are
// reported with a best-effort id.
func (h *Hub) dispatch(ctx context.Context, c *Conn, bits []byte) {
	ctx = context.WithValue(ctx, connKey{}, c)

	var out []byte
	if plexrpc.IsBatch(bits) {
		batch, err := plexrpc.ParseBatchRequest(bits)
		if err != nil {
			out = plexrpc.MarshalErrorResponse(plexrpc.RecoverID(bits), plexrpc.ErrorFromError(err))
		} else if rsp, err := h.engine.DispatchBatch(ctx, batch); err != nil {
			out = plexrpc.MarshalErrorResponse(&batch.ID, plexrpc.ErrorFromError(err))
		} else if out, err = plexrpc.EncodeBatchResponse(rsp); err != nil {
			out = plexrpc.MarshalErrorResponse(&batch.ID, plexrpc.ErrorFromError(err))
		}
	} else {
		req, err := plexrpc.ParseRequest(bits)
		if err != nil {
			out = plexrpc.MarshalErrorResponse(plexrpc.RecoverID(bits), plexrpc.ErrorFromError(err))
		} else {
			rsp := h.engine.Dispatch(ctx, req)
			if out, err = plexrpc.EncodeResponse(rsp); err != nil {
				out = plexrpc.MarshalErrorResponse(&req.ID, plexrpc.ErrorFromError(err))
			}
		}
	}
	if err := c.send(out); err != nil {
		h.log("Reply to %s failed: %v", c.id, err)
	}
}

// send writes bits to c unless the connection is closed. A reply to the
// message that woke a hibernating connection is written after the queue
// replay that the wake performed.
func (c *Conn) send(bits []byte) error {
	c.hub.mu.RLock()
	closed := c.status == StatusClosed
	sock := c.sock
	c.hub.mu.RUnlock()
	if closed {
		return nil // the connection is gone; nothing to report
	}
	return sock.Send(bits)
}

// hibernate moves c from open to hibernating when its idle countdown fires:
// the attachment is serialized onto the socket and the max-hibernation
// countdown starts. While hibernating no handler runs against c and emits to
// its channels append to the queue.
func (h *Hub) hibernate(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.status != StatusOpen {
		return
	}
	att := Attachment{ID: c.id, Channels: c.channelsLocked(), Data: c.data}
	bits, err := json.Marshal(att)
	if err != nil {
		h.log("Serializing attachment for %s failed: %v", c.id, err)
		c.resetIdleLocked() // stay open, retry on the next idle period
		return
	}
	if err := c.sock.SerializeAttachment(bits); err != nil {
		h.log("Storing attachment for %s failed: %v", c.id, err)
		c.resetIdleLocked()
		return
	}
	c.status = StatusHibernating
	c.hibernatedAt = time.Now()
	connsHibernatingGauge.Add(1)
	if h.maxHib > 0 {
		c.maxTimer = time.AfterFunc(h.maxHib, func() { h.expire(c) })
	}
	h.log("Connection %s hibernating", c.id)
}

// expire force-closes a connection whose maximum hibernation lifetime ended.
func (h *Hub) expire(c *Conn) {
	h.mu.Lock()
	if c.status != StatusHibernating {
		h.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.status = StatusClosed
	delete(h.conns, c.id)
	connsActiveGauge.Add(-1)
	connsHibernatingGauge.Add(-1)
	sock := c.sock
	h.mu.Unlock()

	h.log("Connection %s exceeded max hibernation, closing", c.id)
	if rc, ok := sock.(channel.ReasonCloser); ok {
		rc.CloseReason(HibernationReason)
	} else {
		sock.Close()
	}
}

// drop removes c after its socket closed or failed.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.status == StatusClosed {
		return
	}
	if c.status == StatusHibernating {
		connsHibernatingGauge.Add(-1)
	}
	c.stopTimersLocked()
	c.status = StatusClosed
	delete(h.conns, c.id)
	connsActiveGauge.Add(-1)
}

// FromContext returns the connection associated with the context passed to a
// handler dispatched by a Hub, or nil.
func FromContext(ctx context.Context) *Conn {
	if v := ctx.Value(connKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}

type connKey struct{}
