package hub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexrpc/plexrpc"
	"github.com/plexrpc/plexrpc/channel"
	"github.com/plexrpc/plexrpc/handler"
	"github.com/plexrpc/plexrpc/hub"
)

// newTestHub starts a hub whose registry subscribes the calling connection to
// the channel named in the params of test.subscribe, and echoes params on
// test.echo.
func newTestHub(t *testing.T, opts *hub.Options) *hub.Hub {
	t.Helper()
	reg := handler.NewRegistry()
	require.NoError(t, reg.Register("test.echo", func(ctx context.Context, req *plexrpc.Request) (any, error) {
		var v any
		if err := req.UnmarshalParams(&v); err != nil {
			return nil, err
		}
		return v, nil
	}, nil))
	require.NoError(t, reg.Register("test.subscribe", func(ctx context.Context, req *plexrpc.Request) (any, error) {
		c := hub.FromContext(ctx)
		require.NotNil(t, c)
		var params struct {
			Channel string `json:"channel"`
		}
		require.NoError(t, req.UnmarshalParams(&params))
		c.Subscribe(params.Channel)
		return "ok", nil
	}, nil))
	engine := plexrpc.NewEngine(reg, nil)
	return hub.NewHub(engine, opts)
}

// dialTestHub connects an in-memory client to h and returns the client side
// of the channel together with the server's connection record.
func dialTestHub(t *testing.T, h *hub.Hub) channel.Channel {
	t.Helper()
	cli, srv := channel.Direct()
	go h.Serve(context.Background(), hub.NewMemorySocket(srv))
	t.Cleanup(func() { cli.Close() })
	return cli
}

func call(t *testing.T, ch channel.Channel, id, method, params string) {
	t.Helper()
	msg := fmt.Sprintf(`{"id":%q,"method":%q`, id, method)
	if params != "" {
		msg += `,"params":` + params
	}
	msg += "}"
	require.NoError(t, ch.Send([]byte(msg)))
}

func recvResponse(t *testing.T, ch channel.Channel) *plexrpc.Response {
	t.Helper()
	bits, err := ch.Recv()
	require.NoError(t, err)
	rsp, err := plexrpc.ParseResponse(bits)
	require.NoError(t, err)
	return rsp
}

// connOf returns the hub's single connection, waiting for it to be admitted.
func connOf(t *testing.T, h *hub.Hub) *hub.Conn {
	t.Helper()
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)
	conns := h.Conns()
	require.Len(t, conns, 1)
	return conns[0]
}

func TestDispatchOverHub(t *testing.T) {
	h := newTestHub(t, &hub.Options{IdleTimeout: -1})
	cli := dialTestHub(t, h)

	call(t, cli, "1", "test.echo", `{"x":1}`)
	rsp := recvResponse(t, cli)
	assert.Equal(t, "1", rsp.ID)
	assert.Nil(t, rsp.Error)
	assert.JSONEq(t, `{"x":1}`, string(rsp.Result))
}

func TestParseErrorOverHub(t *testing.T) {
	h := newTestHub(t, &hub.Options{IdleTimeout: -1})
	cli := dialTestHub(t, h)

	require.NoError(t, cli.Send([]byte("{")))
	bits, err := cli.Recv()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":null,"error":{"code":-32700,"message":"Parse error: invalid JSON"}}`, string(bits))
}

func TestHibernateAndWake(t *testing.T) {
	h := newTestHub(t, &hub.Options{
		IdleTimeout:    25 * time.Millisecond,
		MaxHibernation: time.Minute,
		QueueLimit:     10,
	})
	cli := dialTestHub(t, h)

	call(t, cli, "1", "test.subscribe", `{"channel":"news"}`)
	rsp := recvResponse(t, cli)
	require.Nil(t, rsp.Error)

	conn := connOf(t, h)
	require.Eventually(t, func() bool { return conn.Status() == hub.StatusHibernating },
		time.Second, 5*time.Millisecond)

	// Events emitted during hibernation are queued, not sent.
	for i := 1; i <= 2; i++ {
		n, err := h.Broadcast("news", map[string]int{"seq": i}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	// The next inbound message wakes the connection; the queued events must
	// arrive in FIFO order before the response to the triggering message.
	call(t, cli, "2", "test.echo", `"after"`)
	for i := 1; i <= 2; i++ {
		ev := recvResponse(t, cli)
		require.True(t, ev.IsEvent(), "expected queued event before the response")
		var got plexrpc.Event
		require.NoError(t, json.Unmarshal(ev.Result, &got))
		assert.Equal(t, "news", got.Channel)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(got.Data))
	}
	rsp = recvResponse(t, cli)
	assert.Equal(t, "2", rsp.ID)
	assert.Equal(t, hub.StatusOpen, conn.Status())
}

func TestQueueKeepsNewest(t *testing.T) {
	h := newTestHub(t, &hub.Options{
		IdleTimeout:    25 * time.Millisecond,
		MaxHibernation: time.Minute,
		QueueLimit:     2,
	})
	cli := dialTestHub(t, h)

	call(t, cli, "1", "test.subscribe", `{"channel":"news"}`)
	require.Nil(t, recvResponse(t, cli).Error)

	conn := connOf(t, h)
	require.Eventually(t, func() bool { return conn.Status() == hub.StatusHibernating },
		time.Second, 5*time.Millisecond)

	for i := 1; i <= 4; i++ {
		_, err := h.Broadcast("news", map[string]int{"seq": i}, nil)
		require.NoError(t, err)
	}

	call(t, cli, "2", "test.echo", `null`)
	for _, want := range []int{3, 4} { // oldest two were dropped
		ev := recvResponse(t, cli)
		require.True(t, ev.IsEvent())
		var got plexrpc.Event
		require.NoError(t, json.Unmarshal(ev.Result, &got))
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, want), string(got.Data))
	}
	assert.Equal(t, "2", recvResponse(t, cli).ID)
}

func TestMaxHibernationCloses(t *testing.T) {
	h := newTestHub(t, &hub.Options{
		IdleTimeout:    10 * time.Millisecond,
		MaxHibernation: 30 * time.Millisecond,
	})
	cli := dialTestHub(t, h)

	call(t, cli, "1", "test.echo", `null`)
	require.Equal(t, "1", recvResponse(t, cli).ID)

	conn := connOf(t, h)
	require.Eventually(t, func() bool { return conn.Status() == hub.StatusClosed },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.Len())
}

func TestWakeFromAttachment(t *testing.T) {
	h := newTestHub(t, &hub.Options{IdleTimeout: -1})

	att, err := json.Marshal(hub.Attachment{
		ID:       "conn-1",
		Channels: []string{"news"},
		Data:     map[string]any{"user": "u1"},
	})
	require.NoError(t, err)

	cli, srv := channel.Direct()
	defer cli.Close()
	sock := hub.NewMemorySocket(srv)
	require.NoError(t, sock.SerializeAttachment(att))
	go h.Serve(context.Background(), sock)

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)
	conn, ok := h.Conn("conn-1")
	require.True(t, ok, "connection must be rebuilt with its attachment id")
	assert.True(t, conn.Subscribed("news"))
	v, ok := conn.Get("user")
	require.True(t, ok)
	assert.Equal(t, "u1", v)
}

func TestBroadcastFilter(t *testing.T) {
	h := newTestHub(t, &hub.Options{IdleTimeout: -1})
	cli := dialTestHub(t, h)

	call(t, cli, "1", "test.subscribe", `{"channel":"news"}`)
	require.Nil(t, recvResponse(t, cli).Error)
	conn := connOf(t, h)
	conn.Set("tier", "free")

	n, err := h.Broadcast("news", "hi", func(st hub.ConnState) bool {
		return st.Data["tier"] == "paid"
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "filtered-out connections must not receive the event")

	n, err = h.Broadcast("other", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unsubscribed channels must not receive the event")

	// The hub writes to open sockets synchronously, so the read must already
	// be in flight when the broadcast happens.
	got := make(chan []byte, 1)
	go func() {
		bits, err := cli.Recv()
		if err == nil {
			got <- bits
		}
	}()
	n, err = h.Broadcast("news", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ev, err := plexrpc.ParseResponse(<-got)
	require.NoError(t, err)
	assert.True(t, ev.IsEvent())
}
