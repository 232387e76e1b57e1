// Package engine is the protocol engine described in spec.md §4.7-4.10:
// write coalescing, the CONNECT handshake and TLS policy, the
// reconnect/backoff state machine, the heartbeat, and the draining
// lifecycle. It owns the transport, both byte buffers, the
// subscription registry, the mux, and the server pool.
//
// Grounded on the teacher's internal/client.BrokerClient
// (internal/client/broker.go before adaptation): the connect-then-
// background-listener shape, the mutex-guarded connection state, and
// the request/response correlation map are generalized here from a
// single-shot JSON-RPC connection into the full reconnecting line-
// protocol state machine. golang.org/x/sync/errgroup supervises the
// writer-loop goroutine so Close and a reconnect can wait for it to
// unwind (the transport's reader loop is not part of the group);
// github.com/jonboulle/clockwork drives the heartbeat timer and
// reconnect backoff; logrus logs lifecycle transitions; go-multierror
// aggregates the flush and close errors of a connection-level Drain.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tenzoki/brokerlink/internal/auth"
	"github.com/tenzoki/brokerlink/internal/brokerr"
	"github.com/tenzoki/brokerlink/internal/buffer"
	"github.com/tenzoki/brokerlink/internal/config"
	"github.com/tenzoki/brokerlink/internal/events"
	"github.com/tenzoki/brokerlink/internal/log"
	"github.com/tenzoki/brokerlink/internal/mux"
	"github.com/tenzoki/brokerlink/internal/pool"
	"github.com/tenzoki/brokerlink/internal/subs"
	"github.com/tenzoki/brokerlink/internal/transport"
	"github.com/tenzoki/brokerlink/internal/wire"
)

// flushThreshold is the outbound-buffer size, in bytes, past which a
// write is flushed immediately rather than waiting for the writer loop
// to be scheduled, per spec.md §4.7.
const flushThreshold = 64 * 1024

// State is the connection-level lifecycle from spec.md §4.8.
type State int32

const (
	StateIdle State = iota
	StateDialing
	StateHandshaking
	StateConnected
	StateDraining
	StateWaiting
	StateClosed
)

// Options configures a new Engine. Config carries the on-disk/
// programmatic settings from spec.md §6; Auth carries credentials and
// signing callbacks; Payload selects how message bodies are decoded.
type Options struct {
	Config  config.ClientConfig
	Auth    auth.Options
	Payload wire.PayloadMode

	Clock  clockwork.Clock
	Logger *logrus.Logger
}

type pongEntry struct {
	cb func(error)
}

// Engine drives one logical connection: dialing, handshake, steady
// state message flow, heartbeat, reconnect, and draining. All mutable
// state is guarded by mu; handler callbacks invoked from the parser run
// with mu held, so they must not themselves call back into a method
// that acquires mu.
type Engine struct {
	opts Options
	log  *logrus.Entry

	pool     *pool.Pool
	subsReg  *subs.Registry
	muxObj   *mux.Mux
	parser   *wire.Parser
	transp   *transport.Transport
	eventBus *events.Bus
	clock    clockwork.Clock

	mu       sync.Mutex
	outbound *buffer.Buffer
	pongs    []pongEntry
	pingOut  int
	pingTmr  clockwork.Timer

	info       wire.Info
	muxSid     string
	muxOnce    sync.Once
	didConnect bool
	reconnects int

	state   atomic.Int32
	closed  atomic.Bool
	draining atomic.Bool

	wake       chan struct{}
	writerDone chan struct{}
	wg         errgroup.Group

	dialErr chan error
}

// New constructs an Engine from opts. It does not dial; call Connect.
func New(opts Options) (*Engine, error) {
	p, err := pool.New(pool.Options{URLs: opts.Config.AllURLs(), NoRandomize: opts.Config.NoRandomize})
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	parser := wire.New(opts.Payload)
	if yt := opts.Config.YieldTime(); yt > 0 {
		parser.Limiter = rate.NewLimiter(rate.Every(yt), 1)
	}

	e := &Engine{
		opts:     opts,
		log:      logger.WithField("component", "engine"),
		pool:     p,
		parser:   parser,
		eventBus: events.New(),
		clock:    clock,
		outbound: buffer.New(),
		wake:     make(chan struct{}, 1),
	}
	e.subsReg = subs.New(clock, lockedUnsubWriter{e})
	e.subsReg.OnSubscribe = func(sid, subject, queue string) {
		e.eventBus.Emit(events.Event{Kind: events.KindSubscribe, Sid: sid, Subject: subject, Time: now(clock)})
	}
	e.subsReg.OnUnsubscribe = func(sid, subject, queue string) {
		e.eventBus.Emit(events.Event{Kind: events.KindUnsubscribe, Sid: sid, Subject: subject, Time: now(clock)})
	}
	e.subsReg.OnHandlerError = func(sid string, err error) {
		e.eventBus.Emit(events.Event{Kind: events.KindError, Err: err, Sid: sid, Time: now(clock)})
	}
	e.muxObj = mux.New(clock)
	e.state.Store(int32(StateIdle))
	return e, nil
}

func now(clock clockwork.Clock) time.Time { return clock.Now() }

// Events returns the bus callers subscribe to for connect/reconnect/
// disconnect/error/etc notifications, per spec.md §6.
func (e *Engine) Events() *events.Bus {
	return e.eventBus
}

// State reports the current connection-level lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Connect dials the current pool endpoint and blocks until the first
// handshake PONG arrives (emitting `connect`) or the dial/handshake
// fails, per spec.md §4.8. If opts.Config.WaitOnFirstConnect and
// opts.Config.Reconnect are both set, a dial failure instead starts the reconnect loop and Connect returns
// nil once dialing has been scheduled.
func (e *Engine) Connect(ctx context.Context) error {
	err := e.dialOnce(ctx)
	if err == nil {
		return nil
	}
	if e.opts.Config.WaitOnFirstConnect && e.opts.Config.Reconnect {
		e.scheduleReconnect()
		return nil
	}
	return err
}

func (e *Engine) dialOnce(ctx context.Context) error {
	ep := e.pool.Current()
	if ep == nil {
		return brokerr.New(brokerr.KindConnErr, "no server endpoints configured")
	}

	e.state.Store(int32(StateDialing))
	e.dialErr = make(chan error, 1)

	// suppressClose absorbs the transport's own OnClose notification for
	// the Destroy calls below: this attempt's outcome is already being
	// reported through the synchronous return value, so the async
	// callback must not also run onTransportClosed and double-schedule a
	// reconnect for the same failure.
	var suppressClose atomic.Bool
	e.transp = transport.New(transport.Callbacks{
		OnData: e.onData,
		OnClose: func(err error) {
			if suppressClose.Load() {
				return
			}
			e.onTransportClosed(err)
		},
	})

	dialCtx := ctx
	var cancel context.CancelFunc
	if e.opts.Config.TimeoutMS > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, e.opts.Config.Timeout())
		defer cancel()
	}

	if err := e.transp.Connect(dialCtx, ep.URL.Host); err != nil {
		return err
	}

	e.state.Store(int32(StateHandshaking))
	e.startWriter()

	select {
	case err := <-e.dialErr:
		if err != nil {
			suppressClose.Store(true)
			e.transp.Destroy()
			return err
		}
		return nil
	case <-ctx.Done():
		suppressClose.Store(true)
		e.transp.Destroy()
		return brokerr.Wrap(brokerr.KindConnTimeout, "handshake did not complete in time", ctx.Err())
	}
}

func (e *Engine) startWriter() {
	e.writerDone = make(chan struct{})
	done := e.writerDone
	e.wg.Go(func() error {
		for {
			select {
			case <-e.wake:
				e.flushOnce()
			case <-done:
				return nil
			}
		}
	})
}

func (e *Engine) stopWriter() {
	if e.writerDone != nil {
		close(e.writerDone)
		e.wg.Wait()
		e.writerDone = nil
	}
}

// onData is the transport's OnData callback: it feeds bytes into the
// wire parser with the engine mutex held, since Feed synchronously
// invokes the handler methods below.
func (e *Engine) onData(b []byte) {
	e.mu.Lock()
	yielded := e.parser.Feed(b, e)
	e.mu.Unlock()
	if yielded {
		e.handleYield()
	}
}

// handleYield emits the yield event, pauses the transport's read loop
// so unread bytes back up on the OS socket rather than piling into the
// parser's own buffer, and, per spec.md §4.2 ("schedule continuation
// asynchronously"), arms a timer to resume draining whatever complete
// frames are still sitting in the parser's buffer — the transport may
// not deliver further bytes before they're consumed, so continuation
// can't rely solely on the next OnData call. Resume is called once the
// parser has caught up and the continuation stops yielding.
func (e *Engine) handleYield() {
	e.eventBus.Emit(events.Event{Kind: events.KindYield, Time: e.clock.Now()})
	e.transp.Pause()
	e.clock.AfterFunc(e.opts.Config.YieldTime(), func() {
		if e.closed.Load() {
			return
		}
		e.mu.Lock()
		yielded := e.parser.Feed(nil, e)
		e.mu.Unlock()
		if yielded {
			e.handleYield()
			return
		}
		e.transp.Resume()
	})
}

// ---- wire.Handler implementation (called with mu held) ----

// OnInfo implements wire.Handler.
func (e *Engine) OnInfo(info wire.Info) {
	e.info = info

	update := e.pool.ProcessServerUpdate(info.ConnectURLs)
	if !update.Empty() {
		added := make([]string, len(update.Added))
		for i, ep := range update.Added {
			added[i] = ep.String()
		}
		deleted := make([]string, len(update.Deleted))
		for i, ep := range update.Deleted {
			deleted[i] = ep.String()
		}
		e.eventBus.Emit(events.Event{Kind: events.KindServersChanged, Added: added, Deleted: deleted, Time: e.clock.Now()})
	}

	if e.State() != StateHandshaking {
		return
	}
	e.performHandshake(info)
}

func (e *Engine) performHandshake(info wire.Info) {
	if err := auth.ValidateNonceRequirements(info, e.opts.Auth); err != nil {
		e.failDial(err)
		return
	}

	upgrade, err := auth.DecideTLS(info, e.opts.Auth)
	if err != nil {
		e.failDial(err)
		return
	}

	if !upgrade {
		e.sendConnectLocked(info)
		return
	}

	tlsCfg, err := auth.BuildTLSConfig(e.opts.Config.TLS)
	if err != nil {
		e.failDial(err)
		return
	}
	transp := e.transp
	go func() {
		transp.Upgrade(context.Background(), tlsCfg, func(err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if err != nil {
				e.failDial(err)
				return
			}
			e.sendConnectLocked(info)
		})
	}()
}

// sendConnectLocked composes and writes CONNECT, every active
// subscription's SUB, and a trailing PING in one burst, per spec.md
// §4.8 step 3. Must be called with mu held.
func (e *Engine) sendConnectLocked(info wire.Info) {
	ep := e.pool.Current()
	var urlUser, urlPass string
	if ep != nil && ep.URL.User != nil {
		urlUser = ep.URL.User.Username()
		urlPass, _ = ep.URL.User.Password()
	}

	payload, err := auth.Compose(info, e.opts.Auth, urlUser, urlPass)
	if err != nil {
		e.failDial(err)
		return
	}

	var frame []byte
	frame = append(frame, []byte("CONNECT "+string(payload)+"\r\n")...)
	for _, sub := range e.subsReg.All() {
		frame = append(frame, subFrame(sub.Subject, sub.Queue, sub.Sid)...)
	}
	frame = append(frame, []byte("PING\r\n")...)

	e.pongs = append(e.pongs, pongEntry{cb: e.onHandshakePong})
	e.appendOutboundLocked(frame)
}

func (e *Engine) onHandshakePong(err error) {
	e.mu.Lock()
	if err != nil {
		e.mu.Unlock()
		e.failDial(err)
		return
	}

	ep := e.pool.Current()
	first := !e.didConnect
	e.didConnect = true
	if ep != nil {
		e.pool.MarkConnected(ep)
	}
	e.reconnects = 0
	e.state.Store(int32(StateConnected))
	e.armHeartbeatLocked()
	e.mu.Unlock()

	kind := events.KindReconnect
	if first {
		kind = events.KindConnect
	}
	e.eventBus.Emit(events.Event{Kind: kind, Time: e.clock.Now()})

	if e.dialErr != nil {
		select {
		case e.dialErr <- nil:
		default:
		}
	}
}

func (e *Engine) failDial(err error) {
	e.log.WithError(err).Warn("handshake failed")
	if e.dialErr != nil {
		select {
		case e.dialErr <- err:
		default:
		}
	}
}

// OnMsg implements wire.Handler.
func (e *Engine) OnMsg(msg wire.Message) {
	if msg.Sid == e.muxSid {
		if token, ok := e.muxObj.TokenFromSubject(msg.Subject); ok {
			e.muxObj.Dispatch(token, mux.Reply{Subject: msg.Subject, Data: msg.Data, Header: msg.Header, Decoded: msg.Decoded, Err: msg.DecodeErr})
		}
		return
	}
	e.subsReg.Dispatch(subs.Delivery{
		Sid: msg.Sid, Subject: msg.Subject, Reply: msg.Reply,
		Data: msg.Data, Header: msg.Header, Decoded: msg.Decoded, Err: msg.DecodeErr,
	})
}

// OnPing implements wire.Handler: reply with PONG.
func (e *Engine) OnPing() {
	e.appendOutboundLocked([]byte("PONG\r\n"))
}

// OnPong implements wire.Handler: pop the oldest pongs entry.
func (e *Engine) OnPong() {
	e.pingOut = 0
	if len(e.pongs) == 0 {
		return
	}
	entry := e.pongs[0]
	e.pongs = e.pongs[1:]
	if entry.cb != nil {
		cb := entry.cb
		go cb(nil)
	}
}

// OnOK implements wire.Handler: no-op per spec.md §4.2.
func (e *Engine) OnOK() {}

// OnErr implements wire.Handler.
func (e *Engine) OnErr(kind wire.ErrKind, text string) {
	switch kind {
	case wire.ErrKindPerm:
		e.eventBus.Emit(events.Event{Kind: events.KindPermissionError, Err: brokerr.New(brokerr.KindPermissionsViol, text), Time: e.clock.Now()})
	case wire.ErrKindAuth:
		e.failConnectionLocked(brokerr.New(brokerr.KindAuthorizationViol, text))
	default:
		e.failConnectionLocked(brokerr.New(brokerr.KindProtocolErr, text))
	}
}

// OnProtocolError implements wire.Handler.
func (e *Engine) OnProtocolError(err error) {
	e.failConnectionLocked(brokerr.Wrap(brokerr.KindProtocolErr, "malformed control line", err))
}

// failConnectionLocked is called with mu held (from within Feed) to
// tear down the transport on a fatal protocol condition; the actual
// teardown runs on a goroutine since Destroy may block briefly and
// would otherwise deadlock against onTransportClosed re-entering mu.
func (e *Engine) failConnectionLocked(err error) {
	e.eventBus.Emit(events.Event{Kind: events.KindError, Err: err, Time: e.clock.Now()})
	transp := e.transp
	go transp.Destroy()
}

// ---- heartbeat (spec.md §4.9) ----

func (e *Engine) armHeartbeatLocked() {
	interval := e.opts.Config.PingInterval()
	if interval <= 0 {
		return
	}
	e.pingTmr = e.clock.AfterFunc(interval, e.onPingTick)
}

func (e *Engine) onPingTick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != StateConnected {
		return
	}

	maxOut := e.opts.Config.MaxPingOut
	if maxOut > 0 && e.pingOut >= maxOut {
		err := brokerr.New(brokerr.KindStaleConnection, "too many unanswered pings")
		e.eventBus.Emit(events.Event{Kind: events.KindError, Err: err, Time: e.clock.Now()})
		transp := e.transp
		go transp.Destroy()
		return
	}

	e.pingOut++
	e.pongs = append(e.pongs, pongEntry{})
	e.appendOutboundLocked([]byte("PING\r\n"))
	now := e.clock.Now()
	e.eventBus.Emit(events.Event{Kind: events.KindPingTimer, Time: now})
	e.eventBus.Emit(events.Event{Kind: events.KindPingCount, PingCount: e.pingOut, Time: now})
	e.armHeartbeatLocked()
}

// ---- write pipeline (spec.md §4.7) ----

func subFrame(subject, queue, sid string) []byte {
	if queue == "" {
		return []byte(fmt.Sprintf("SUB %s %s\r\n", subject, sid))
	}
	return []byte(fmt.Sprintf("SUB %s %s %s\r\n", subject, queue, sid))
}

// appendOutboundLocked appends frame to the outbound buffer and wakes
// (or immediately triggers) the writer, per the coalescing policy of
// spec.md §4.7. Must be called with mu held.
func (e *Engine) appendOutboundLocked(frame []byte) {
	wasEmpty := e.outbound.Empty()
	e.outbound.Fill(frame)
	size := e.outbound.Len()

	if wasEmpty {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	if size >= flushThreshold {
		go e.flushOnce()
	}
}

func (e *Engine) flushOnce() {
	e.mu.Lock()
	data := e.outbound.DrainAll()
	e.mu.Unlock()

	if len(data) == 0 {
		return
	}
	if err := e.transp.Write(data); err != nil {
		e.eventBus.Emit(events.Event{Kind: events.KindError, Err: err, Time: e.clock.Now()})
	}
}

// WriteUnsub implements subs.Writer: writes a raw UNSUB frame.
func (e *Engine) WriteUnsub(sid string, max int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if max > 0 {
		e.appendOutboundLocked([]byte(fmt.Sprintf("UNSUB %s %d\r\n", sid, max)))
	} else {
		e.appendOutboundLocked([]byte(fmt.Sprintf("UNSUB %s\r\n", sid)))
	}
}

// lockedUnsubWriter is the registry's subs.Writer. The registry writes
// UNSUB only from Dispatch, which the engine reaches through OnMsg with
// mu already held, so it appends the frame without taking mu again.
type lockedUnsubWriter struct{ e *Engine }

func (w lockedUnsubWriter) WriteUnsub(sid string, max int) {
	if max > 0 {
		w.e.appendOutboundLocked([]byte(fmt.Sprintf("UNSUB %s %d\r\n", sid, max)))
		return
	}
	w.e.appendOutboundLocked([]byte(fmt.Sprintf("UNSUB %s\r\n", sid)))
}

// ---- public operations (spec.md §6) ----

// Publish sends a PUB frame. reply may be empty.
func (e *Engine) Publish(subject, reply string, data []byte) error {
	if e.closed.Load() {
		return brokerr.New(brokerr.KindConnClosed, "publish on closed connection")
	}
	if e.draining.Load() {
		return brokerr.New(brokerr.KindConnDraining, "publish rejected while draining")
	}

	var frame []byte
	if reply == "" {
		frame = []byte(fmt.Sprintf("PUB %s %d\r\n", subject, len(data)))
	} else {
		frame = []byte(fmt.Sprintf("PUB %s %s %d\r\n", subject, reply, len(data)))
	}
	frame = append(frame, data...)
	frame = append(frame, '\r', '\n')

	e.mu.Lock()
	e.appendOutboundLocked(frame)
	e.mu.Unlock()
	return nil
}

// PublishRequest implements mux.Publisher.
func (e *Engine) PublishRequest(subject, reply string, data []byte) error {
	return e.Publish(subject, reply, data)
}

// Subscribe registers subject (optionally in queue group) and writes
// its SUB frame, per spec.md §4.4.
func (e *Engine) Subscribe(subject, queue string, max int, h subs.Handler) (*subs.Sub, error) {
	if e.draining.Load() {
		return nil, brokerr.New(brokerr.KindConnDraining, "subscribe rejected while draining")
	}

	sub := e.subsReg.Add(subject, queue, max, h)
	e.mu.Lock()
	e.appendOutboundLocked(subFrame(subject, queue, sub.Sid))
	e.mu.Unlock()
	return sub, nil
}

// Unsubscribe sends UNSUB for sid. max=0 cancels immediately; max>0 is
// advisory, taking effect once the subscription's Dispatch reaches it.
func (e *Engine) Unsubscribe(sid string, max int) {
	e.WriteUnsub(sid, max)
	if max <= 0 {
		e.subsReg.Cancel(sid)
	}
}

// SubInfo reports a subscription's received count and cancellation
// state for a Subscription handle's counters, per spec.md §3. ok is
// false if sid is not (or no longer) registered.
func (e *Engine) SubInfo(sid string) (received int, cancelled bool, ok bool) {
	sub, ok := e.subsReg.Get(sid)
	if !ok {
		return 0, false, false
	}
	return sub.Received(), sub.Cancelled(), true
}

// SetSubscriptionTimeout arms a per-subscription timeout timer, per
// spec.md §3's "optional timeout timer" on a Subscription: onTimeout
// fires if no message arrives on sid within d; any delivery cancels it.
func (e *Engine) SetSubscriptionTimeout(sid string, d time.Duration, onTimeout func()) {
	e.subsReg.SetTimeout(sid, d, onTimeout)
}

// DrainSub drains a single subscription per spec.md §4.10: UNSUB is
// sent for sid only, a flush barrier waits for the server to stop
// delivering to it, then the subscription is removed from the registry
// so its callback stops firing. Unlike connection-level Drain, other
// subscriptions and publishes are unaffected.
func (e *Engine) DrainSub(sid string, timeout time.Duration) error {
	e.subsReg.Drain(sid)
	e.WriteUnsub(sid, 0)
	if err := e.Flush(timeout); err != nil {
		e.subsReg.Cancel(sid)
		return err
	}
	e.subsReg.Cancel(sid)
	return nil
}

// Request publishes data to subject with a mux-managed reply-to inbox,
// lazily subscribing the mux's wildcard inbox on first use, per spec.md
// §4.5.
func (e *Engine) Request(subject string, data []byte, max int, timeout time.Duration, h mux.ReplyHandler) (token string, err error) {
	if e.draining.Load() {
		return "", brokerr.New(brokerr.KindConnDraining, "request rejected while draining")
	}

	e.muxOnce.Do(func() {
		sub, err := e.Subscribe(e.muxObj.Base()+"*", "", 0, e.dispatchMuxDelivery)
		if err == nil {
			e.mu.Lock()
			e.muxSid = sub.Sid
			e.mu.Unlock()
		}
	})

	onTimeout := func(string) {
		if h != nil {
			h(mux.Reply{Err: brokerr.New(brokerr.KindReqTimeout, "request timed out waiting for reply")})
		}
	}
	token, inbox := e.muxObj.Register(max, timeout, h, onTimeout)
	if err := e.Publish(subject, inbox, data); err != nil {
		e.muxObj.Cancel(token)
		return "", err
	}
	return token, nil
}

func (e *Engine) dispatchMuxDelivery(d subs.Delivery) {
	if token, ok := e.muxObj.TokenFromSubject(d.Subject); ok {
		e.muxObj.Dispatch(token, mux.Reply{Subject: d.Subject, Data: d.Data, Header: d.Header, Decoded: d.Decoded, Err: d.Err})
	}
}

// CancelRequest removes token's pending entry without sending any wire
// frame; the mux's shared inbox subscription is never torn down, per
// spec.md §4.5.
func (e *Engine) CancelRequest(token string) {
	e.muxObj.Cancel(token)
}

// Flush enqueues a PING and blocks until its matching PONG arrives (an
// ordering barrier past every previously queued write) or timeout
// elapses.
func (e *Engine) Flush(timeout time.Duration) error {
	if e.closed.Load() {
		return brokerr.New(brokerr.KindConnClosed, "flush on closed connection")
	}

	done := make(chan error, 1)
	e.mu.Lock()
	e.pongs = append(e.pongs, pongEntry{cb: func(err error) { done <- err }})
	e.appendOutboundLocked([]byte("PING\r\n"))
	e.mu.Unlock()

	if timeout <= 0 {
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-e.clock.After(timeout):
		return brokerr.New(brokerr.KindConnTimeout, "flush timed out waiting for PONG")
	}
}

// Drain transitions the connection to DRAINING per spec.md §4.10: every
// subscription is UNSUBed and allowed to finish in-flight delivery
// behind a flush barrier, new publish/subscribe/request calls are
// rejected, and the connection is closed once drained.
func (e *Engine) Drain(timeout time.Duration) error {
	if !e.draining.CompareAndSwap(false, true) {
		return brokerr.New(brokerr.KindConnDraining, "already draining")
	}
	e.state.Store(int32(StateDraining))

	var errs *multierror.Error
	for _, sub := range e.subsReg.All() {
		e.subsReg.Drain(sub.Sid)
		e.WriteUnsub(sub.Sid, 0)
	}
	if err := e.Flush(timeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, sub := range e.subsReg.All() {
		if e.subsReg.Draining(sub.Sid) {
			e.subsReg.Cancel(sub.Sid)
		}
	}
	if err := e.Flush(timeout); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := e.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Close tears down the connection, invoking every pending flush/request
// callback with CONN_CLOSED, clearing timers, and destroying the
// transport. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.state.Store(int32(StateClosed))

	closedErr := brokerr.New(brokerr.KindConnClosed, "connection closed")

	e.mu.Lock()
	pending := e.pongs
	e.pongs = nil
	if e.pingTmr != nil {
		e.pingTmr.Stop()
	}
	e.mu.Unlock()

	for _, p := range pending {
		if p.cb != nil {
			p.cb(closedErr)
		}
	}
	e.muxObj.CloseAll(closedErr)

	e.stopWriter()
	if e.transp != nil {
		e.transp.Destroy()
	}

	e.eventBus.Emit(events.Event{Kind: events.KindClose, Time: e.clock.Now()})
	e.eventBus.Close()
	return nil
}

// ---- reconnect (spec.md §4.8) ----

func (e *Engine) onTransportClosed(err error) {
	if e.closed.Load() {
		return
	}
	e.stopWriter()

	// Pending writes addressed to the dead socket (a stale PING, a
	// publish issued just before the drop) are discarded; the upcoming
	// handshake re-synthesizes CONNECT/SUB from subsReg, and a stale
	// buffer left non-empty here would never flush: appendOutboundLocked
	// only wakes the writer on the empty-to-non-empty transition. Any
	// Flush/handshake callback still waiting on one of the discarded
	// PINGs is released with the disconnect error rather than left
	// blocked until its own timeout (or forever, for an untimed Flush).
	e.mu.Lock()
	e.outbound.Reset()
	pending := e.pongs
	e.pongs = nil
	e.mu.Unlock()
	for _, p := range pending {
		if p.cb != nil {
			go p.cb(brokerr.Wrap(brokerr.KindConnErr, "connection lost before PONG", err))
		}
	}

	e.eventBus.Emit(events.Event{Kind: events.KindDisconnect, Err: err, Time: e.clock.Now()})

	if !e.opts.Config.Reconnect {
		e.Close()
		return
	}

	attempts := e.opts.Config.MaxReconnectAttempts
	if attempts >= 0 && e.reconnects >= attempts {
		e.Close()
		return
	}

	e.scheduleReconnect()
}

func (e *Engine) scheduleReconnect() {
	e.state.Store(int32(StateWaiting))
	e.reconnects++
	e.eventBus.Emit(events.Event{Kind: events.KindReconnecting, Attempt: e.reconnects, Time: e.clock.Now()})

	next := e.pool.SelectServer()
	wait := time.Duration(0)
	if next != nil && next.DidConnect {
		wait = e.opts.Config.ReconnectTimeWait()
	}
	jitter := e.opts.Config.ReconnectJitter()
	if jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(jitter)))
	}

	e.clock.AfterFunc(wait, func() {
		if e.closed.Load() {
			return
		}
		if err := e.dialOnce(context.Background()); err != nil {
			e.log.WithError(err).Warn("reconnect attempt failed")
			e.onTransportClosed(err)
		}
	})
}
