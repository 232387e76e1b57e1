package client

import (
	"time"

	"github.com/tenzoki/brokerlink/internal/engine"
)

// Subscription is a non-owning handle to a registered subscription,
// per spec.md §9's design note: it holds only a sid and a back-
// reference to the owning engine, never the subscription entry itself,
// which the engine's registry continues to own for its lifetime.
type Subscription struct {
	eng     *engine.Engine
	sid     string
	subject string
	queue   string
}

// Sid is the connection-local subscription identifier, stable across
// reconnects per spec.md §8.
func (s *Subscription) Sid() string {
	return s.sid
}

// Subject is the subject pattern this subscription was registered
// with.
func (s *Subscription) Subject() string {
	return s.subject
}

// Queue is the load-balancing queue group, empty if none was given.
func (s *Subscription) Queue() string {
	return s.queue
}

// Received reports how many messages this subscription has observed,
// and cancelled reports whether it has reached its max count (or was
// otherwise cancelled) and is no longer active. ok is false once the
// engine no longer has a registry entry for this sid at all.
func (s *Subscription) Received() (received int, cancelled bool, ok bool) {
	return s.eng.SubInfo(s.sid)
}

// SetTimeout arms a timeout timer: onTimeout fires if no message
// arrives within d; any delivery on this subscription cancels it.
func (s *Subscription) SetTimeout(d time.Duration, onTimeout func()) {
	s.eng.SetSubscriptionTimeout(s.sid, d, onTimeout)
}

// Unsubscribe cancels the subscription immediately: an UNSUB frame is
// sent and the registry entry is removed so its handler stops firing.
func (s *Subscription) Unsubscribe() {
	s.eng.Unsubscribe(s.sid, 0)
}

// AutoUnsubscribe requests advisory cancellation once max further
// messages have been received (the subscription remains active until
// then), per spec.md §4.4.
func (s *Subscription) AutoUnsubscribe(max int) {
	s.eng.Unsubscribe(s.sid, max)
}

// Drain sends UNSUB, waits for a flush barrier confirming the server
// has stopped delivering to this subscription, then removes it from
// the registry, per spec.md §4.10's subscription-level drain. Other
// subscriptions and publishes on the connection are unaffected.
func (s *Subscription) Drain(timeout time.Duration) error {
	return s.eng.DrainSub(s.sid, timeout)
}
