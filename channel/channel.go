// Package channel defines the transport abstraction used by the plexrpc
// package, and some common implementations.
package channel

import (
	"errors"
	"io"
	"net"
	"strings"
)

// A Channel represents the ability to transmit and receive data records. A
// channel does not interpret the contents of a record, but may add and remove
// framing so that records can be embedded in higher-level protocols. Send and
// Recv need not be safe for concurrent use with themselves, but a Channel
// must permit one sender and one receiver to operate concurrently.
type Channel interface {
	// Send transmits a record on the channel.
	Send([]byte) error

	// Recv returns the next available record from the channel. If no further
	// messages are available, it returns io.EOF.
	Recv() ([]byte, error)

	// Close shuts down the channel, after which no further records may be
	// sent or received.
	Close() error
}

// A Framing converts a reader and a writer into a Channel with a particular
// message-framing discipline.
type Framing func(io.Reader, io.WriteCloser) Channel

// IsErrClosing reports whether err is an error that plausibly resulted from
// the channel closing out from under an active read, as distinct from a
// failure of an open connection.
func IsErrClosing(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
