package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/brokerlink/internal/events"
	"github.com/tenzoki/brokerlink/internal/testutil/fakebroker"
)

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.Servers = []string{addr}
	opts.Reconnect = false
	opts.PingInterval = 0
	opts.Timeout = 2 * time.Second

	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func handshake(t *testing.T, conn *fakebroker.Conn) {
	t.Helper()
	conn.SendInfo(`{"server_id":"test","version":"1","proto":1}`)

	line := conn.ReadLine()
	require.True(t, strings.HasPrefix(line, "CONNECT "))
	line = conn.ReadLine()
	for strings.HasPrefix(line, "SUB ") {
		line = conn.ReadLine()
	}
	require.Equal(t, "PING", line)
	conn.SendPong()
}

func connectClient(t *testing.T, c *Client, broker *fakebroker.Broker) *fakebroker.Conn {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	conn := broker.Accept()
	handshake(t, conn)

	require.NoError(t, <-done)
	return conn
}

func TestClientConnectEmitsConnectEvent(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())

	ch := c.Events().Subscribe(events.KindConnect)
	connectClient(t, c, broker)

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindConnect, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("connect event not emitted")
	}
}

func TestClientPublish(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())
	conn := connectClient(t, c, broker)

	require.NoError(t, c.Publish("foo.bar", []byte("hello")))

	line := conn.ReadLine()
	assert.Equal(t, "PUB foo.bar 5", line)
	assert.Equal(t, "hello", string(conn.ReadN(5)))
}

func TestClientSubscribeAndDispatch(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())
	conn := connectClient(t, c, broker)

	received := make(chan Msg, 1)
	sub, err := c.Subscribe("foo.bar", func(m Msg) { received <- m })
	require.NoError(t, err)

	line := conn.ReadLine()
	assert.Equal(t, "SUB foo.bar "+sub.Sid(), line)

	conn.SendMsg("foo.bar", sub.Sid(), "", []byte("payload"))

	select {
	case m := <-received:
		assert.Equal(t, "foo.bar", m.Subject)
		assert.Equal(t, "payload", string(m.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}

	received2, _, ok := sub.Received()
	assert.True(t, ok)
	assert.Equal(t, 1, received2)
}

func TestClientSubscribeWithMaxCancelsAfterLimit(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())
	conn := connectClient(t, c, broker)

	received := make(chan Msg, 1)
	sub, err := c.SubscribeWithMax("foo.bar", "", 1, func(m Msg) { received <- m })
	require.NoError(t, err)
	_ = conn.ReadLine() // SUB

	conn.SendMsg("foo.bar", sub.Sid(), "", []byte("one"))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}

	unsubLine := conn.ReadLine()
	assert.Equal(t, "UNSUB "+sub.Sid(), unsubLine)

	_, cancelled, ok := sub.Received()
	assert.True(t, ok)
	assert.True(t, cancelled)
}

func TestClientUnsubscribe(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())
	conn := connectClient(t, c, broker)

	sub, err := c.Subscribe("foo.bar", func(Msg) {})
	require.NoError(t, err)
	_ = conn.ReadLine() // SUB

	sub.Unsubscribe()

	line := conn.ReadLine()
	assert.Equal(t, "UNSUB "+sub.Sid(), line)
}

func TestClientRequestResolves(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())
	conn := connectClient(t, c, broker)

	done := make(chan struct {
		msg Msg
		err error
	}, 1)
	go func() {
		m, err := c.Request("svc.echo", []byte("ping"), 2*time.Second)
		done <- struct {
			msg Msg
			err error
		}{m, err}
	}()

	subLine := conn.ReadLine()
	require.True(t, strings.HasPrefix(subLine, "SUB _INBOX."))

	pubLine := conn.ReadLine()
	parts := strings.Fields(pubLine)
	require.Len(t, parts, 4)
	inbox := parts[2]
	_ = conn.ReadN(4) // "ping"

	conn.SendMsg(inbox, "1", "", []byte("pong"))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "pong", string(r.msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
	}
}

func TestClientRequestTimesOut(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())
	conn := connectClient(t, c, broker)

	done := make(chan error, 1)
	go func() {
		_, err := c.Request("svc.silent", []byte("ping"), 20*time.Millisecond)
		done <- err
	}()

	_ = conn.ReadLine() // SUB _INBOX...
	_ = conn.ReadLine() // PUB svc.silent ...
	_ = conn.ReadN(4)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
}

func TestClientFlush(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())
	conn := connectClient(t, c, broker)

	flushDone := make(chan error, 1)
	go func() { flushDone <- c.Flush(2 * time.Second) }()

	line := conn.ReadLine()
	assert.Equal(t, "PING", line)
	conn.SendPong()

	select {
	case err := <-flushDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not complete")
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())
	connectClient(t, c, broker)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestClientDrain(t *testing.T) {
	broker := fakebroker.Start(t)
	c := newTestClient(t, broker.Addr())
	conn := connectClient(t, c, broker)

	sub, err := c.Subscribe("foo.bar", func(Msg) {})
	require.NoError(t, err)
	_ = conn.ReadLine() // SUB

	drainDone := make(chan error, 1)
	go func() { drainDone <- c.Drain(2 * time.Second) }()

	unsubLine := conn.ReadLine()
	assert.Equal(t, "UNSUB "+sub.Sid(), unsubLine)

	require.Equal(t, "PING", conn.ReadLine())
	conn.SendPong()
	require.Equal(t, "PING", conn.ReadLine())
	conn.SendPong()

	select {
	case err := <-drainDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete")
	}
}
