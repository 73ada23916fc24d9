package channel_test

import (
	"io"
	"strings"
	"testing"

	"github.com/plexrpc/plexrpc/channel"
)

func TestDirect(t *testing.T) {
	cli, srv := channel.Direct()

	go func() {
		for {
			msg, err := srv.Recv()
			if err != nil {
				srv.Close()
				return
			}
			srv.Send(msg)
		}
	}()

	for _, msg := range []string{"hello", "", `{"id":"1","method":"m"}`} {
		if err := cli.Send([]byte(msg)); err != nil {
			t.Fatalf("Send(%q): unexpected error: %v", msg, err)
		}
		got, err := cli.Recv()
		if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		if string(got) != msg {
			t.Errorf("Recv: got %q, want %q", got, msg)
		}
	}
	cli.Close()
	if _, err := cli.Recv(); err != io.EOF {
		t.Errorf("Recv after close: got %v, want io.EOF", err)
	}
	if err := cli.Send([]byte("late")); err == nil {
		t.Error("Send after close: got nil, want error")
	}
}

func TestLine(t *testing.T) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := channel.Line(r1, w2)
	b := channel.Line(r2, w1)

	const big = 5000 // larger than the default bufio buffer
	go func() {
		b.Send([]byte("short"))
		b.Send([]byte(strings.Repeat("x", big)))
	}()

	got, err := a.Recv()
	if err != nil || string(got) != "short" {
		t.Fatalf("Recv: got (%q, %v), want short", got, err)
	}
	got, err = a.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if len(got) != big {
		t.Errorf("Recv: got %d bytes, want %d", len(got), big)
	}
}

func TestIsErrClosing(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{io.ErrUnexpectedEOF, false},
	}
	for _, tc := range tests {
		if got := channel.IsErrClosing(tc.err); got != tc.want {
			t.Errorf("IsErrClosing(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}
