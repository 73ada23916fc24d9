package channel

import (
	"errors"
	"io"
)

// Direct returns a connected pair of in-memory channels: records sent on
// client arrive at server and vice versa, passed as message buffers with no
// framing or encoding. The pair serves in-process servers and tests.
func Direct() (client, server Channel) {
	c2s := make(chan []byte)
	s2c := make(chan []byte)
	return &direct{send: c2s, recv: s2c}, &direct{send: s2c, recv: c2s}
}

// A direct is one side of an in-memory pair. Closing a side closes its own
// send stream only; the peer observes io.EOF on its next Recv and is expected
// to close its own side in turn.
type direct struct {
	send chan<- []byte
	recv <-chan []byte
}

var errDirectClosed = errors.New("send on closed channel")

func (d *direct) Send(msg []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = errDirectClosed
		}
	}()
	cp := make([]byte, len(msg))
	copy(cp, msg)
	d.send <- cp
	return nil
}

func (d *direct) Recv() ([]byte, error) {
	if msg, ok := <-d.recv; ok {
		return msg, nil
	}
	return nil, io.EOF
}

func (d *direct) Close() error { close(d.send); return nil }
