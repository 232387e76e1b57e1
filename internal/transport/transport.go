// Package transport implements the TCP/TLS socket boundary described in
// spec.md §4.6: connect with timeout, TLS upgrade, paused/resumed
// inbound delivery, and queued writes, reporting back to the engine via
// callbacks rather than blocking reads.
//
// Grounded on the teacher's internal/client.BrokerClient net.Dial plus
// background reader-goroutine shape (internal/client/broker.go); TCP
// and TLS themselves are a stdlib/OS boundary (net, crypto/tls) with no
// pack dependency offering a better abstraction — see DESIGN.md.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tenzoki/brokerlink/internal/brokerr"
)

// State is the transport's own connection lifecycle, per spec.md §4.6.
type State int32

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
	StateEncrypted
	StateClosed
)

// Callbacks are invoked by the transport's read loop. OnData and
// OnClose run on the transport's dedicated reader goroutine; callers
// must not block in them for long without their own dispatch.
type Callbacks struct {
	OnData  func([]byte)
	OnClose func(error)
}

// Transport owns exactly one net.Conn for its lifetime between Connect
// and Destroy.
type Transport struct {
	cb Callbacks

	mu    sync.Mutex
	conn  net.Conn
	state atomic.Int32

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	readDone chan struct{}
}

// New returns a not-yet-connected Transport.
func New(cb Callbacks) *Transport {
	t := &Transport{cb: cb}
	t.state.Store(int32(StateNotConnected))
	t.pauseCond = sync.NewCond(&t.pauseMu)
	return t
}

// State reports the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Connect dials addr (host:port) with the given context for
// cancellation/timeout, per spec.md §4.6. It resolves once the socket
// is open, before any data is read.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	t.state.Store(int32(StateConnecting))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.state.Store(int32(StateNotConnected))
		if ctx.Err() != nil {
			return brokerr.Wrap(brokerr.KindConnTimeout, "dial timed out", err)
		}
		return brokerr.Wrap(brokerr.KindConnErr, "dial failed", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.state.Store(int32(StateConnected))

	t.startReadLoop()
	return nil
}

// Upgrade wraps the live connection with TLS and invokes done once the
// handshake completes (or fails), per spec.md §4.6. The existing read
// loop is stopped and restarted against the TLS-wrapped conn.
func (t *Transport) Upgrade(ctx context.Context, cfg *tls.Config, done func(error)) {
	t.mu.Lock()
	plain := t.conn
	t.mu.Unlock()
	if plain == nil {
		done(brokerr.New(brokerr.KindConnErr, "upgrade called with no connection"))
		return
	}

	tlsConn := tls.Client(plain, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		done(brokerr.Wrap(brokerr.KindOpenSSLErr, "tls handshake failed", err))
		return
	}

	t.mu.Lock()
	t.conn = tlsConn
	t.mu.Unlock()
	t.state.Store(int32(StateEncrypted))

	t.startReadLoop()
	done(nil)
}

// Write sends bytes synchronously on the current net.Conn; the engine's own outbound buffer (internal to
// the protocol engine, not this package) is what provides coalescing.
func (t *Transport) Write(b []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return brokerr.New(brokerr.KindConnClosed, "write on closed transport")
	}
	_, err := conn.Write(b)
	return err
}

// Pause blocks the read loop before its next conn.Read, so unread bytes
// accumulate in the OS socket buffer (real TCP back-pressure) instead
// of being read off the wire and discarded while no one is consuming
// them.
func (t *Transport) Pause() {
	t.pauseMu.Lock()
	t.paused = true
	t.pauseMu.Unlock()
}

// Resume wakes the read loop and lets it call conn.Read again.
func (t *Transport) Resume() {
	t.pauseMu.Lock()
	t.paused = false
	t.pauseMu.Unlock()
	t.pauseCond.Broadcast()
}

// Destroy closes the socket. Safe to call multiple times. Callbacks
// stay attached: a read loop blocked on the closed socket exits and
// reports the close through OnClose.
func (t *Transport) Destroy() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.state.Store(int32(StateClosed))

	// Unblock a read loop parked in Pause so it observes conn == nil
	// and exits, rather than leaking blocked on pauseCond forever.
	t.pauseMu.Lock()
	t.paused = false
	t.pauseMu.Unlock()
	t.pauseCond.Broadcast()
}

func (t *Transport) startReadLoop() {
	t.readDone = make(chan struct{})
	go t.readLoop(t.readDone)
}

func (t *Transport) readLoop(done chan struct{}) {
	defer close(done)
	buf := make([]byte, 64*1024)
	for {
		t.pauseMu.Lock()
		for t.paused {
			t.pauseCond.Wait()
		}
		t.pauseMu.Unlock()

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 && t.cb.OnData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.cb.OnData(chunk)
		}
		if err != nil {
			t.state.Store(int32(StateClosed))
			if t.cb.OnClose != nil {
				t.cb.OnClose(wrapReadErr(err))
			}
			return
		}
	}
}

func wrapReadErr(err error) error {
	return fmt.Errorf("transport read: %w", err)
}
