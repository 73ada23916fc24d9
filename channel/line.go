package channel

import (
	"bufio"
	"bytes"
	"io"
)

// Line is a framing that transmits and receives messages on r and wc, in
// which each message is terminated by a Unicode LF (10). This framing cannot
// carry messages that contain newlines.
func Line(r io.Reader, wc io.WriteCloser) Channel {
	return &line{wc: wc, buf: bufio.NewReader(r)}
}

type line struct {
	wc  io.WriteCloser
	buf *bufio.Reader
}

func (c *line) Send(msg []byte) error {
	out := make([]byte, len(msg)+1)
	copy(out, msg)
	out[len(msg)] = '\n'
	_, err := c.wc.Write(out)
	return err
}

func (c *line) Recv() ([]byte, error) {
	var msg bytes.Buffer
	for {
		chunk, err := c.buf.ReadSlice('\n')
		msg.Write(chunk)
		if err == bufio.ErrBufferFull {
			continue // incomplete line
		} else if err != nil {
			return nil, err
		}
		line := msg.Bytes()
		return bytes.TrimSuffix(line, []byte("\n")), nil
	}
}

func (c *line) Close() error { return c.wc.Close() }
