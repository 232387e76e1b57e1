package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/brokerlink/internal/auth"
	"github.com/tenzoki/brokerlink/internal/brokerr"
	"github.com/tenzoki/brokerlink/internal/config"
	"github.com/tenzoki/brokerlink/internal/events"
	"github.com/tenzoki/brokerlink/internal/mux"
	"github.com/tenzoki/brokerlink/internal/subs"
	"github.com/tenzoki/brokerlink/internal/testutil/fakebroker"
	"github.com/tenzoki/brokerlink/internal/wire"
)

func newTestEngine(t *testing.T, addr string) *Engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.Servers = []string{"nats://" + addr}
	cfg.Reconnect = false
	cfg.PingIntervalMS = 0
	cfg.TimeoutMS = 2000

	e, err := New(Options{
		Config:  cfg,
		Auth:    auth.Options{Lang: "go", Version: "test"},
		Payload: wire.PayloadString,
		Clock:   clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// newClockEngine builds an Engine against cfg on the given clock, for
// tests that need to drive reconnect backoff or heartbeat timers
// deterministically rather than on wall-clock time.
func newClockEngine(t *testing.T, cfg config.ClientConfig, clock clockwork.Clock) *Engine {
	t.Helper()
	e, err := New(Options{
		Config:  cfg,
		Auth:    auth.Options{Lang: "go", Version: "test"},
		Payload: wire.PayloadString,
		Clock:   clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event not observed within 2s")
		return events.Event{}
	}
}

// handshake drives conn through the INFO/CONNECT/PING/PONG sequence
// assuming no subscriptions are active yet, returning the raw CONNECT
// line for assertion.
func handshake(t *testing.T, conn *fakebroker.Conn) string {
	t.Helper()
	conn.SendInfo(`{"server_id":"test","version":"1","proto":1}`)

	connectLine := conn.ReadLine()
	require.True(t, strings.HasPrefix(connectLine, "CONNECT "))

	line := conn.ReadLine()
	for strings.HasPrefix(line, "SUB ") {
		line = conn.ReadLine()
	}
	require.Equal(t, "PING", line)
	conn.SendPong()
	return connectLine
}

func connectEngine(t *testing.T, e *Engine, broker *fakebroker.Broker) *fakebroker.Conn {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Connect(context.Background()) }()

	conn := broker.Accept()
	handshake(t, conn)

	require.NoError(t, <-done)
	return conn
}

func TestConnectPerformsHandshake(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())

	connectEngine(t, e, broker)

	assert.Equal(t, StateConnected, e.State())
}

func TestPublishSendsPubFrame(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	conn := connectEngine(t, e, broker)

	require.NoError(t, e.Publish("foo.bar", "", []byte("hello")))

	line := conn.ReadLine()
	assert.Equal(t, "PUB foo.bar 5", line)
	assert.Equal(t, "hello", string(conn.ReadN(5)))
}

func TestPublishWithReplySendsReplyField(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	conn := connectEngine(t, e, broker)

	require.NoError(t, e.Publish("foo.bar", "reply.inbox", []byte("hi")))

	line := conn.ReadLine()
	assert.Equal(t, "PUB foo.bar reply.inbox 2", line)
	assert.Equal(t, "hi", string(conn.ReadN(2)))
}

func TestSubscribeAndDispatch(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	conn := connectEngine(t, e, broker)

	received := make(chan subs.Delivery, 1)
	sub, err := e.Subscribe("foo.bar", "", 0, func(d subs.Delivery) {
		received <- d
	})
	require.NoError(t, err)

	line := conn.ReadLine()
	assert.Equal(t, "SUB foo.bar "+sub.Sid, line)

	conn.SendMsg("foo.bar", sub.Sid, "", []byte("payload"))

	select {
	case d := <-received:
		assert.Equal(t, "foo.bar", d.Subject)
		assert.Equal(t, "payload", string(d.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestSubscribeWithMaxAutoUnsubscribes(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	conn := connectEngine(t, e, broker)

	received := make(chan subs.Delivery, 2)
	sub, err := e.Subscribe("foo.bar", "", 1, func(d subs.Delivery) {
		received <- d
	})
	require.NoError(t, err)
	_ = conn.ReadLine() // SUB

	conn.SendMsg("foo.bar", sub.Sid, "", []byte("one"))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}

	unsubLine := conn.ReadLine()
	assert.Equal(t, "UNSUB "+sub.Sid, unsubLine)
}

func TestUnsubscribeSendsUnsubFrame(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	conn := connectEngine(t, e, broker)

	sub, err := e.Subscribe("foo.bar", "", 0, func(subs.Delivery) {})
	require.NoError(t, err)
	_ = conn.ReadLine() // SUB

	e.Unsubscribe(sub.Sid, 0)

	line := conn.ReadLine()
	assert.Equal(t, "UNSUB "+sub.Sid, line)
}

func TestRequestUsesMuxWildcardSubscription(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	conn := connectEngine(t, e, broker)

	replies := make(chan mux.Reply, 1)
	_, err := e.Request("svc.echo", []byte("ping"), 1, 0, func(r mux.Reply) {
		replies <- r
	})
	require.NoError(t, err)

	subLine := conn.ReadLine()
	require.True(t, strings.HasPrefix(subLine, "SUB _INBOX."))
	require.True(t, strings.HasSuffix(subLine, ".* 1"))

	pubLine := conn.ReadLine()
	parts := strings.Fields(pubLine)
	require.Len(t, parts, 4)
	assert.Equal(t, "PUB", parts[0])
	assert.Equal(t, "svc.echo", parts[1])
	inbox := parts[2]
	assert.Equal(t, "4", parts[3])
	assert.Equal(t, "ping", string(conn.ReadN(4)))

	conn.SendMsg(inbox, "1", "", []byte("pong"))

	select {
	case r := <-replies:
		assert.Equal(t, "pong", string(r.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("reply not dispatched")
	}
}

func TestRequestSubscriptionIsSharedAcrossCalls(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	conn := connectEngine(t, e, broker)

	replies1 := make(chan mux.Reply, 1)
	_, err := e.Request("svc.one", []byte("a"), 1, 0, func(r mux.Reply) { replies1 <- r })
	require.NoError(t, err)
	subLine := conn.ReadLine()
	require.True(t, strings.HasPrefix(subLine, "SUB _INBOX."))
	_ = conn.ReadLine() // PUB svc.one
	_ = conn.ReadN(1)

	replies2 := make(chan mux.Reply, 1)
	_, err = e.Request("svc.two", []byte("b"), 1, 0, func(r mux.Reply) { replies2 <- r })
	require.NoError(t, err)

	// No second SUB frame: the mux inbox subscription is created once.
	pubLine := conn.ReadLine()
	assert.True(t, strings.HasPrefix(pubLine, "PUB svc.two"))
}

func TestFlushWaitsForPong(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	conn := connectEngine(t, e, broker)

	flushDone := make(chan error, 1)
	go func() { flushDone <- e.Flush(2 * time.Second) }()

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

func TestFlushTimesOutWithoutPong(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	connectEngine(t, e, broker)

	err := e.Flush(10 * time.Millisecond)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	connectEngine(t, e, broker)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, StateClosed, e.State())
}

func TestPublishRejectedAfterClose(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	connectEngine(t, e, broker)

	require.NoError(t, e.Close())

	err := e.Publish("foo.bar", "", []byte("x"))
	assert.Error(t, err)
}

func TestDrainUnsubscribesThenCloses(t *testing.T) {
	broker := fakebroker.Start(t)
	e := newTestEngine(t, broker.Addr())
	conn := connectEngine(t, e, broker)

	sub, err := e.Subscribe("foo.bar", "", 0, func(subs.Delivery) {})
	require.NoError(t, err)
	_ = conn.ReadLine() // SUB

	drainDone := make(chan error, 1)
	go func() { drainDone <- e.Drain(2 * time.Second) }()

	unsubLine := conn.ReadLine()
	assert.Equal(t, "UNSUB "+sub.Sid, unsubLine)

	pingLine := conn.ReadLine()
	assert.Equal(t, "PING", pingLine)
	conn.SendPong()

	pingLine2 := conn.ReadLine()
	assert.Equal(t, "PING", pingLine2)
	conn.SendPong()

	select {
	case err := <-drainDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete")
	}
	assert.Equal(t, StateClosed, e.State())
}

// TestReconnectFallsOverToSecondServer drives spec.md §8 scenario 2: a
// two-server pool where the first connection drops reconnects to the
// other configured endpoint rather than retrying the dead one.
func TestReconnectFallsOverToSecondServer(t *testing.T) {
	brokerA := fakebroker.Start(t)
	brokerB := fakebroker.Start(t)

	clock := clockwork.NewFakeClock()
	cfg := config.Defaults()
	cfg.Servers = []string{"nats://" + brokerA.Addr(), "nats://" + brokerB.Addr()}
	cfg.NoRandomize = true
	cfg.Reconnect = true
	cfg.MaxReconnectAttempts = -1
	cfg.ReconnectTimeWaitMS = 500
	cfg.ReconnectJitterMS = 0
	cfg.PingIntervalMS = 0
	cfg.TimeoutMS = 2000
	e := newClockEngine(t, cfg, clock)

	reconnecting := e.Events().Subscribe(events.KindReconnecting)
	reconnected := e.Events().Subscribe(events.KindReconnect)

	connA := connectEngine(t, e, brokerA)
	connA.Close()

	ev := waitEvent(t, reconnecting)
	assert.Equal(t, 1, ev.Attempt)

	// brokerB has never completed a handshake, so the reconnect wait is
	// zero (no ReconnectTimeWait) and the dial fires without the fake
	// clock being advanced.
	connB := brokerB.Accept()
	handshake(t, connB)

	waitEvent(t, reconnected)
	assert.Equal(t, StateConnected, e.State())
}

// TestMaxReconnectAttemptsExhaustionClosesEngine drives spec.md §8
// scenario 3: once a bounded MaxReconnectAttempts is exhausted against
// a server that keeps refusing the connection, the engine gives up and
// closes instead of retrying forever.
func TestMaxReconnectAttemptsExhaustionClosesEngine(t *testing.T) {
	broker := fakebroker.Start(t)

	clock := clockwork.NewFakeClock()
	cfg := config.Defaults()
	cfg.Servers = []string{"nats://" + broker.Addr()}
	cfg.Reconnect = true
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectTimeWaitMS = 500
	cfg.ReconnectJitterMS = 0
	cfg.PingIntervalMS = 0
	cfg.TimeoutMS = 2000
	e := newClockEngine(t, cfg, clock)

	reconnecting := e.Events().Subscribe(events.KindReconnecting)
	closed := e.Events().Subscribe(events.KindClose)

	conn := connectEngine(t, e, broker)

	broker.Close()
	conn.Close()

	for attempt := 1; attempt <= 2; attempt++ {
		ev := waitEvent(t, reconnecting)
		assert.Equal(t, attempt, ev.Attempt)

		clock.BlockUntil(1)
		clock.Advance(500 * time.Millisecond)
	}

	waitEvent(t, closed)
	assert.Equal(t, StateClosed, e.State())
}

// TestHeartbeatStaleConnectionTriggersReconnect drives spec.md §8
// scenario 4: a broker that accepts the handshake but never answers
// PING must produce exactly maxPingOut pingcount events before the
// engine declares the connection stale and tears it down (which, with
// reconnect enabled, starts a new reconnect attempt).
func TestHeartbeatStaleConnectionTriggersReconnect(t *testing.T) {
	broker := fakebroker.Start(t)

	clock := clockwork.NewFakeClock()
	cfg := config.Defaults()
	cfg.Servers = []string{"nats://" + broker.Addr()}
	cfg.Reconnect = true
	cfg.MaxReconnectAttempts = -1
	cfg.ReconnectTimeWaitMS = 500
	cfg.ReconnectJitterMS = 0
	cfg.PingIntervalMS = 100
	cfg.MaxPingOut = 3
	cfg.TimeoutMS = 2000
	e := newClockEngine(t, cfg, clock)

	pingCounts := e.Events().Subscribe(events.KindPingCount)
	errs := e.Events().Subscribe(events.KindError)
	reconnecting := e.Events().Subscribe(events.KindReconnecting)

	connectEngine(t, e, broker)

	for want := 1; want <= 3; want++ {
		clock.BlockUntil(1)
		clock.Advance(100 * time.Millisecond)

		ev := waitEvent(t, pingCounts)
		assert.Equal(t, want, ev.PingCount)
	}

	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)

	ev := waitEvent(t, errs)
	require.Error(t, ev.Err)
	var brokerErr *brokerr.Error
	require.ErrorAs(t, ev.Err, &brokerErr)
	assert.Equal(t, brokerr.KindStaleConnection, brokerErr.Kind)

	waitEvent(t, reconnecting)
}
