package client

import (
	"context"
	"time"

	"github.com/tenzoki/brokerlink/internal/brokerr"
	"github.com/tenzoki/brokerlink/internal/engine"
	"github.com/tenzoki/brokerlink/internal/events"
	"github.com/tenzoki/brokerlink/internal/mux"
	"github.com/tenzoki/brokerlink/internal/subs"
)

// Client is a single logical connection to one broker endpoint (or
// pool of endpoints), exposing the operations from spec.md §6. It is
// safe for concurrent use by multiple goroutines; the underlying
// engine serializes access internally.
type Client struct {
	eng *engine.Engine
}

// New constructs a Client from opts without dialing; call Connect to
// establish the connection.
func New(opts Options) (*Client, error) {
	eng, err := engine.New(engine.Options{
		Config:  opts.toClientConfig(),
		Auth:    opts.toAuthOptions(),
		Payload: opts.payloadMode(),
		Clock:   opts.Clock,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Client{eng: eng}, nil
}

// Connect dials the pool's current endpoint and blocks until the first
// handshake completes (emitting a connect event on Events()) or fails,
// per spec.md §4.8. If opts.WaitOnFirstConnect and opts.Reconnect were
// both set, a dial failure instead starts the reconnect loop in the background and Connect
// returns nil once dialing has been scheduled.
func (c *Client) Connect(ctx context.Context) error {
	return c.eng.Connect(ctx)
}

// State reports the connection's current lifecycle state.
func (c *Client) State() engine.State {
	return c.eng.State()
}

// Events returns the bus callers subscribe to for connect/reconnect/
// disconnect/error/subscribe/unsubscribe/etc notifications, per
// spec.md §6.
func (c *Client) Events() *events.Bus {
	return c.eng.Events()
}

// Publish sends data on subject with no reply-to field.
func (c *Client) Publish(subject string, data []byte) error {
	return c.eng.Publish(subject, "", data)
}

// PublishRequest sends data on subject with reply set, for a caller
// implementing its own reply convention without the mux layer.
func (c *Client) PublishRequest(subject, reply string, data []byte) error {
	return c.eng.Publish(subject, reply, data)
}

// Msg is a delivered message or reply, translated from the engine's
// internal subs.Delivery/mux.Reply shapes so callers never import
// internal/ packages.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Header  map[string][]string
	Decoded interface{}
	Err     error
}

// Subscribe registers subject with no queue group and no max count;
// handler is invoked for every delivered message until Unsubscribe or
// Close, per spec.md §4.4.
func (c *Client) Subscribe(subject string, handler func(Msg)) (*Subscription, error) {
	return c.subscribe(subject, "", 0, handler)
}

// QueueSubscribe registers subject in a load-balancing queue group:
// the broker delivers each message to at most one queue member.
func (c *Client) QueueSubscribe(subject, queue string, handler func(Msg)) (*Subscription, error) {
	return c.subscribe(subject, queue, 0, handler)
}

// SubscribeWithMax registers subject (optionally queued) with an
// auto-unsubscribe count: handler fires at most max times, after which
// the subscription is cancelled server- and client-side, per spec.md
// §8's quantified invariant.
func (c *Client) SubscribeWithMax(subject, queue string, max int, handler func(Msg)) (*Subscription, error) {
	return c.subscribe(subject, queue, max, handler)
}

func (c *Client) subscribe(subject, queue string, max int, handler func(Msg)) (*Subscription, error) {
	sub, err := c.eng.Subscribe(subject, queue, max, func(d subs.Delivery) {
		handler(Msg{Subject: d.Subject, Reply: d.Reply, Data: d.Data, Header: d.Header, Decoded: d.Decoded, Err: d.Err})
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{eng: c.eng, sid: sub.Sid, subject: subject, queue: queue}, nil
}

// Request publishes data on subject with a mux-managed reply-to inbox
// and blocks for a single reply or until timeout elapses (timeout <= 0
// waits indefinitely), per spec.md §4.5.
func (c *Client) Request(subject string, data []byte, timeout time.Duration) (Msg, error) {
	replies := make(chan mux.Reply, 1)
	token, err := c.eng.Request(subject, data, 1, timeout, func(r mux.Reply) {
		replies <- r
	})
	if err != nil {
		return Msg{}, err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		// The mux's own timer already enforces timeout and will deliver
		// an error reply through the callback above; this local timer is
		// a backstop in case the reply channel is never fed (e.g. a mux
		// registration race), so Request cannot hang past the caller's
		// own deadline.
		t := time.NewTimer(timeout + time.Millisecond)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case r := <-replies:
		msg := Msg{Subject: r.Subject, Data: r.Data, Header: r.Header, Decoded: r.Decoded, Err: r.Err}
		return msg, r.Err
	case <-timeoutCh:
		c.eng.CancelRequest(token)
		return Msg{}, brokerr.New(brokerr.KindReqTimeout, "request timed out waiting for reply")
	}
}

// RequestCallback is the non-blocking form of Request: handler is
// invoked asynchronously on reply (or on timeout with a REQ_TIMEOUT
// error Msg). The returned token may be passed to CancelRequest.
func (c *Client) RequestCallback(subject string, data []byte, timeout time.Duration, handler func(Msg)) (token string, err error) {
	return c.eng.Request(subject, data, 1, timeout, func(r mux.Reply) {
		handler(Msg{Subject: r.Subject, Data: r.Data, Header: r.Header, Decoded: r.Decoded, Err: r.Err})
	})
}

// CancelRequest removes a pending request's correlation entry without
// sending any wire frame; the mux's shared inbox subscription is never
// torn down, per spec.md §4.5's Open Question resolution.
func (c *Client) CancelRequest(token string) {
	c.eng.CancelRequest(token)
}

// Flush enqueues a PING and blocks until its matching PONG arrives — an
// ordering barrier past every previously queued write — or timeout
// elapses (timeout <= 0 waits indefinitely).
func (c *Client) Flush(timeout time.Duration) error {
	return c.eng.Flush(timeout)
}

// Drain transitions the connection to draining per spec.md §4.10: every
// subscription is unsubscribed and allowed to finish in-flight
// delivery, new publish/subscribe/request calls are rejected, and the
// connection closes once drained.
func (c *Client) Drain(timeout time.Duration) error {
	return c.eng.Drain(timeout)
}

// Close tears down the connection: every pending flush/request
// callback is invoked with CONN_CLOSED, timers are cleared, and the
// transport is destroyed. Idempotent.
func (c *Client) Close() error {
	return c.eng.Close()
}
