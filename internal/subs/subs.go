// Package subs implements the sid-keyed subscription registry described
// in spec.md §4.4: allocation, dispatch, max-count auto-unsubscribe, and
// timeout bookkeeping. It is generalized from the teacher's
// internal/broker/service.go Topic.Subscribers map-with-mutex pattern,
// moved from the broker's server-side fan-out to the client's
// single-connection dispatch table.
package subs

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Handler is invoked for each delivered message. msg.Err is non-nil only
// when the message's payload failed to decode under the configured
// payload mode; the message is still delivered so the caller can
// observe the raw bytes.
type Handler func(msg Delivery)

// Delivery is the minimal shape the registry needs to dispatch; it is
// deliberately decoupled from internal/wire.Message so the registry has
// no import-time dependency on the parser.
type Delivery struct {
	Sid     string
	Subject string
	Reply   string
	Data    []byte
	Header  map[string][]string
	Decoded interface{}
	Err     error
}

// Writer is the minimal capability the registry needs from the engine:
// sending a raw UNSUB frame when a subscription auto-cancels.
type Writer interface {
	WriteUnsub(sid string, max int)
}

// Sub is one active subscription entry.
type Sub struct {
	Sid     string
	Subject string
	Queue   string
	Max     int // 0 means unbounded
	Handler Handler

	received int
	draining bool
	timer    clockwork.Timer
}

// Received reports how many messages this subscription has observed.
func (s *Sub) Received() int {
	return s.received
}

// Cancelled reports whether the subscription has reached its max and
// should be considered inactive by the caller (the registry itself has
// already removed it by the time this would read true from a caller's
// own reference, since dispatch both increments and evicts under the
// same lock).
func (s *Sub) Cancelled() bool {
	return s.Max > 0 && s.received >= s.Max
}

// Registry is the sid-keyed table of active subscriptions. Safe for
// concurrent use: the engine is conceptually single-writer, but
// Subscription-handle methods (timeout arming, counters) may be read
// from caller goroutines per spec.md §5.
type Registry struct {
	mu      sync.RWMutex
	next    uint64
	byID    map[string]*Sub
	clock   clockwork.Clock
	writer  Writer

	// OnSubscribe / OnUnsubscribe mirror the `subscribe`/`unsubscribe`
	// events from spec.md §6; nil-safe, called outside the lock.
	OnSubscribe   func(sid, subject, queue string)
	OnUnsubscribe func(sid, subject, queue string)
	// OnHandlerError mirrors the `error` event for a panicking
	// subscription callback, per spec.md §4.4.
	OnHandlerError func(sid string, err error)
}

// New returns an empty Registry. clock is used to arm/cancel
// subscription timeout timers; writer is used to send UNSUB when a
// subscription reaches its max count.
func New(clock clockwork.Clock, writer Writer) *Registry {
	return &Registry{
		byID:   make(map[string]*Sub),
		clock:  clock,
		writer: writer,
	}
}

// Add allocates a fresh sid, registers sub, and emits the subscribe
// event.
func (r *Registry) Add(subject, queue string, max int, h Handler) *Sub {
	r.mu.Lock()
	r.next++
	sid := formatSid(r.next)
	sub := &Sub{Sid: sid, Subject: subject, Queue: queue, Max: max, Handler: h}
	r.byID[sid] = sub
	r.mu.Unlock()

	if r.OnSubscribe != nil {
		r.OnSubscribe(sid, subject, queue)
	}
	return sub
}

// Get looks up a subscription by sid.
func (r *Registry) Get(sid string) (*Sub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sid]
	return s, ok
}

// Cancel removes sub's timer (if any) and evicts it from the registry,
// emitting the unsubscribe event. Cancelling an already-cancelled or
// unknown sid is a no-op, per spec.md §8 idempotence.
func (r *Registry) Cancel(sid string) {
	r.mu.Lock()
	sub, ok := r.byID[sid]
	if !ok {
		r.mu.Unlock()
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	delete(r.byID, sid)
	r.mu.Unlock()

	if r.OnUnsubscribe != nil {
		r.OnUnsubscribe(sub.Sid, sub.Subject, sub.Queue)
	}
}

// SetTimeout arms (replacing any existing) a timeout timer on sid that
// invokes onTimeout if no message arrives within d. Arrival of any
// message on the subscription cancels the timer (see Dispatch).
func (r *Registry) SetTimeout(sid string, d time.Duration, onTimeout func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[sid]
	if !ok {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timer = r.clock.AfterFunc(d, onTimeout)
}

// Drain marks sub as draining; dispatch continues to fire until the
// caller removes it (typically after the engine sends UNSUB and awaits
// a flush barrier per spec.md §4.10).
func (r *Registry) Drain(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.byID[sid]; ok {
		sub.draining = true
	}
}

// Draining reports whether sid is in the process of draining.
func (r *Registry) Draining(sid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sub, ok := r.byID[sid]; ok {
		return sub.draining
	}
	return false
}

// All returns a snapshot of every currently active subscription, used
// to re-synchronize SUB frames after a reconnect (spec.md §4.8).
func (r *Registry) All() []*Sub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Sub, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Dispatch routes a delivered message to its subscription, per spec.md
// §4.4: silently dropped if the sid is no longer registered; the
// timeout timer (if any) is cancelled on arrival; an auto-unsubscribe
// UNSUB is written and the entry evicted once max is reached.
func (r *Registry) Dispatch(d Delivery) {
	r.mu.Lock()
	sub, ok := r.byID[d.Sid]
	if !ok {
		r.mu.Unlock()
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	sub.received++
	reachedMax := sub.Max > 0 && sub.received >= sub.Max
	if reachedMax {
		delete(r.byID, d.Sid)
	}
	handler := sub.Handler
	r.mu.Unlock()

	if reachedMax {
		if r.writer != nil {
			r.writer.WriteUnsub(d.Sid, 0)
		}
		if r.OnUnsubscribe != nil {
			r.OnUnsubscribe(sub.Sid, sub.Subject, sub.Queue)
		}
	}

	if handler == nil {
		return
	}
	if err := safeInvoke(handler, d); err != nil && r.OnHandlerError != nil {
		r.OnHandlerError(d.Sid, err)
	}
}

// safeInvoke runs the user handler behind a recover guard so a panicking
// callback surfaces as an error the caller can route to an `error`
// event, per spec.md §4.4, rather than corrupting engine state.
func safeInvoke(h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription handler panic: %v", r)
		}
	}()
	h(d)
	return nil
}

func formatSid(n uint64) string {
	return strconv.FormatUint(n, 10)
}
