// Package events fans out engine lifecycle notifications to Go channel
// subscribers, per spec.md §6's closed set of client events.
//
// Grounded on the teacher's public/orchestrator.EventBridge
// (events.go): buffered per-subscriber channels with non-blocking
// sends so a slow listener cannot stall the engine. Adapted from the
// teacher's free-form topic-pattern map to a closed Kind enum — this
// client has a fixed, known event vocabulary, so pattern matching
// (":"-delimited, wildcard "*") is replaced with a direct map key.
package events

import (
	"sync"
	"time"
)

// Kind is the closed set of event kinds from spec.md §6.
type Kind string

const (
	KindConnect          Kind = "connect"
	KindReconnect        Kind = "reconnect"
	KindReconnecting     Kind = "reconnecting"
	KindDisconnect       Kind = "disconnect"
	KindClose            Kind = "close"
	KindError            Kind = "error"
	KindPermissionError  Kind = "permissionError"
	KindSubscribe        Kind = "subscribe"
	KindUnsubscribe      Kind = "unsubscribe"
	KindServersChanged   Kind = "serversChanged"
	KindPingTimer        Kind = "pingtimer"
	KindPingCount        Kind = "pingcount"
	KindYield            Kind = "yield"
)

// Event is the payload delivered to subscribers. Only the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind Kind
	Time time.Time

	Err error // error, permissionError

	Sid     string // subscribe, unsubscribe
	Subject string // subscribe, unsubscribe

	Added   []string // serversChanged
	Deleted []string // serversChanged

	PingCount int // pingcount only; pingtimer carries no payload

	Attempt int // reconnecting
}

const subscriberBuffer = 64

// Bus is a fan-out dispatcher for engine events. The zero value is not
// usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Event
	closed      bool
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Kind][]chan Event)}
}

// Subscribe returns a channel that receives every Event of the given
// kind until Unsubscribe or Close. The channel is buffered; a
// subscriber that falls behind drops events rather than blocking
// Emit's caller.
func (b *Bus) Subscribe(kind Kind) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[kind] = append(b.subscribers[kind], ch)
	return ch
}

// Unsubscribe detaches and closes ch. It is a no-op if ch is not
// currently subscribed to kind.
func (b *Bus) Unsubscribe(kind Kind, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subscribers[kind]
	for i, sub := range list {
		if sub == ch {
			close(sub)
			b.subscribers[kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to every subscriber of ev.Kind, dropping it for any
// subscriber whose buffer is full rather than blocking.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers[ev.Kind] {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel and marks the bus closed;
// further Subscribe calls return an already-closed channel and Emit
// becomes a no-op. Calling Close again is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for kind, list := range b.subscribers {
		for _, sub := range list {
			close(sub)
		}
		delete(b.subscribers, kind)
	}
}
