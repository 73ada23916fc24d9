package hub

import "github.com/plexrpc/plexrpc/channel"

// A Socket is the hub's view of one client connection as supplied by the
// hosting runtime. Beyond message transport, the host exposes a pair of
// attachment capabilities: SerializeAttachment stores bytes that survive
// process eviction, and DeserializeAttachment returns them on wake. The
// hub's authoritative connection record is rebuilt from the attachment.
type Socket interface {
	channel.Channel

	// SerializeAttachment stores value on the socket so that it survives
	// hibernation and process eviction.
	SerializeAttachment(value []byte) error

	// DeserializeAttachment returns the bytes stored by a previous
	// SerializeAttachment, or nil if none are stored.
	DeserializeAttachment() ([]byte, error)
}

// MemorySocket wraps a channel with an in-process attachment slot. It
// implements the attachment capabilities for hosts that do not provide
// durable socket storage, and for tests.
type MemorySocket struct {
	channel.Channel

	attachment []byte
}

// NewMemorySocket returns a Socket carrying its attachment in memory.
func NewMemorySocket(ch channel.Channel) *MemorySocket { return &MemorySocket{Channel: ch} }

// SerializeAttachment implements part of the Socket interface.
func (m *MemorySocket) SerializeAttachment(value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.attachment = cp
	return nil
}

// DeserializeAttachment implements part of the Socket interface.
func (m *MemorySocket) DeserializeAttachment() ([]byte, error) { return m.attachment, nil }

// CloseReason forwards the close reason to the wrapped channel when it
// supports one, and otherwise closes it plainly.
func (m *MemorySocket) CloseReason(reason string) error {
	if rc, ok := m.Channel.(channel.ReasonCloser); ok {
		return rc.CloseReason(reason)
	}
	return m.Channel.Close()
}
