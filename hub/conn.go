package hub

import (
	"sort"
	"time"

	"github.com/creachadair/mds/mlink"
)

// Status describes the lifecycle state of a connection.
type Status int

const (
	StatusOpen        Status = iota // traffic flows normally
	StatusHibernating               // idle; state serialized, events queue
	StatusClosed                    // finished; no further use
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusHibernating:
		return "hibernating"
	case StatusClosed:
		return "closed"
	}
	return "invalid"
}

// An Attachment is the state written onto a socket when its connection
// hibernates, and read back on wake. It carries no in-flight request state:
// a hibernated connection has no pending handlers.
type Attachment struct {
	ID       string         `json:"id"`
	Channels []string       `json:"channels,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// A Conn is the server-side record of one client connection. Its mutable
// state is guarded by the owning hub's mutex; the exported methods take care
// of locking.
type Conn struct {
	hub  *Hub
	id   string
	sock Socket

	// The fields below are guarded by hub.mu.
	status       Status
	connectedAt  time.Time
	hibernatedAt time.Time
	lastMessage  time.Time
	channels     map[string]struct{}
	data         map[string]any
	idleTimer    *time.Timer
	maxTimer     *time.Timer
	queue        mlink.Queue[[]byte] // events captured while hibernating, FIFO
}

// ID returns the stable identity of c. The id survives hibernation: a
// connection woken from an attachment keeps the id it was created with.
func (c *Conn) ID() string { return c.id }

// Status returns the current lifecycle state of c.
func (c *Conn) Status() Status {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.status
}

// Subscribe adds c to the named broadcast channel.
func (c *Conn) Subscribe(channel string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.channels[channel] = struct{}{}
}

// Unsubscribe removes c from the named broadcast channel.
func (c *Conn) Unsubscribe(channel string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	delete(c.channels, channel)
}

// Subscribed reports whether c is subscribed to the named channel.
func (c *Conn) Subscribed(channel string) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

// Set stores an opaque per-connection value. The value is carried in the
// hibernation attachment, so it must be JSON-marshalable to survive a wake.
func (c *Conn) Set(key string, value any) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.data[key] = value
}

// Get returns the per-connection value stored under key.
func (c *Conn) Get(key string) (any, bool) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// State returns an externalized snapshot of c for use in broadcast filters
// and diagnostics. The data map is copied shallowly.
func (c *Conn) State() ConnState {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.stateLocked()
}

// A ConnState is a point-in-time external view of a connection.
type ConnState struct {
	ID          string
	Status      Status
	Channels    []string
	ConnectedAt time.Time
	LastMessage time.Time
	Data        map[string]any
}

// stateLocked snapshots c. The caller must hold hub.mu.
func (c *Conn) stateLocked() ConnState {
	st := ConnState{
		ID:          c.id,
		Status:      c.status,
		Channels:    c.channelsLocked(),
		ConnectedAt: c.connectedAt,
		LastMessage: c.lastMessage,
		Data:        make(map[string]any, len(c.data)),
	}
	for k, v := range c.data {
		st.Data[k] = v
	}
	return st
}

// channelsLocked returns the sorted subscription names. The caller must hold
// hub.mu.
func (c *Conn) channelsLocked() []string {
	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// enqueueLocked appends an encoded event envelope to the hibernation queue,
// dropping the oldest entry when the queue is at its bound. The caller must
// hold hub.mu.
func (c *Conn) enqueueLocked(bits []byte) {
	if limit := c.hub.queueLimit; limit > 0 {
		for c.queue.Len() >= limit {
			c.queue.Pop()
			eventsDroppedCount.Add(1)
		}
	}
	c.queue.Add(bits)
	eventsQueuedCount.Add(1)
}

// replayLocked writes all queued event envelopes to the socket in FIFO order
// and clears the queue. Replay happens under hub.mu so that queued events
// precede any response dispatched for the message that triggered the wake.
// The caller must hold hub.mu.
func (c *Conn) replayLocked() {
	for {
		bits, ok := c.queue.Pop()
		if !ok {
			break
		}
		if err := c.sock.Send(bits); err != nil {
			c.hub.log("Replay to %s failed: %v", c.id, err)
		}
	}
	c.queue.Clear()
}

// resetIdleLocked starts or restarts the idle countdown. The caller must
// hold hub.mu.
func (c *Conn) resetIdleLocked() {
	if c.hub.idle <= 0 {
		return
	}
	if c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(c.hub.idle, func() { c.hub.hibernate(c) })
	} else {
		c.idleTimer.Reset(c.hub.idle)
	}
}

// stopTimersLocked cancels both countdowns. The caller must hold hub.mu.
func (c *Conn) stopTimersLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	if c.maxTimer != nil {
		c.maxTimer.Stop()
	}
}
