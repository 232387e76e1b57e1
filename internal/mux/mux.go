// Package mux implements the single-inbox request/reply multiplexer
// described in spec.md §4.5: one wildcard subscription services
// arbitrarily many in-flight requests, each correlated by a token
// embedded in its reply-to inbox subject.
//
// Grounded on the teacher's internal/client.BrokerClient responseChans
// map[string]chan *BrokerResponse correlation pattern
// (internal/client/broker.go), adapted from JSON-RPC request ids to
// mux inbox tokens generated with nats-io/nuid (see SPEC_FULL.md §4):
// inbox tokens must be unguessable across reconnects, which an
// incrementing counter is not.
package mux

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nuid"
)

// Reply is the payload delivered to a pending request's callback.
type Reply struct {
	Subject string
	Data    []byte
	Header  map[string][]string
	Decoded interface{}
	Err     error
}

// ReplyHandler is invoked once per matching reply (and, per spec.md
// §4.5, possibly more than once if Max > 1).
type ReplyHandler func(Reply)

type pending struct {
	token   string
	max     int
	got     int
	handler ReplyHandler
	timer   clockwork.Timer
}

// Publisher is the minimal capability Mux needs from the engine: to
// publish the request payload with the mux reply subject set.
type Publisher interface {
	PublishRequest(subject, reply string, data []byte) error
}

// Mux owns the single `_INBOX.<nuid>.*` subscription and the
// token-keyed pending-request table. Per spec.md's Open Question
// resolution (DESIGN.md), the mux subscription itself is never torn
// down by request cancellation — only by the owning engine's Close.
type Mux struct {
	mu      sync.Mutex
	base    string // "_INBOX.<nuid>."
	clock   clockwork.Clock
	byToken map[string]*pending
}

// New creates a Mux with a fresh, unguessable inbox base.
func New(clock clockwork.Clock) *Mux {
	return &Mux{
		base:    "_INBOX." + nuid.Next() + ".",
		clock:   clock,
		byToken: make(map[string]*pending),
	}
}

// Base returns the inbox subject prefix, e.g. "_INBOX.xyz.". The
// engine subscribes to Base()+"*" once, lazily, on first Request.
func (m *Mux) Base() string {
	return m.base
}

// Register allocates a fresh token, installs the pending entry, and
// returns the full reply-to inbox subject (Base()+token). If timeout
// is non-zero, onTimeout fires (and the entry is evicted) if no
// reply arrives in time.
func (m *Mux) Register(max int, timeout time.Duration, h ReplyHandler, onTimeout func(token string)) (token, inbox string) {
	token = nuid.Next()
	p := &pending{token: token, max: max, handler: h}

	m.mu.Lock()
	m.byToken[token] = p
	if timeout > 0 {
		p.timer = m.clock.AfterFunc(timeout, func() {
			m.mu.Lock()
			_, still := m.byToken[token]
			delete(m.byToken, token)
			m.mu.Unlock()
			if still && onTimeout != nil {
				onTimeout(token)
			}
		})
	}
	m.mu.Unlock()

	return token, m.base + token
}

// Cancel removes token's pending entry without sending any wire frame
// (the mux subscription is shared and outlives any one request).
func (m *Mux) Cancel(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byToken[token]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(m.byToken, token)
	}
}

// TokenFromSubject extracts the trailing token from a delivered
// message's subject, given it starts with Base(). Returns ok=false if
// subject is not under this mux's base.
func (m *Mux) TokenFromSubject(subject string) (token string, ok bool) {
	if len(subject) <= len(m.base) || subject[:len(m.base)] != m.base {
		return "", false
	}
	return subject[len(m.base):], true
}

// Dispatch routes an inbound reply to its pending request, per
// spec.md §4.5: invokes the callback, cancels the timeout timer, and
// evicts the entry once its max is reached (defaulting to 1).
func (m *Mux) Dispatch(token string, r Reply) {
	m.mu.Lock()
	p, ok := m.byToken[token]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.got++
	max := p.max
	if max <= 0 {
		max = 1
	}
	done := p.got >= max
	if done {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(m.byToken, token)
	}
	handler := p.handler
	m.mu.Unlock()

	if handler != nil {
		handler(r)
	}
}

// CloseAll synthesizes a CONN_CLOSED-style reply to every still-pending
// request, used on engine Close per spec.md §5.
func (m *Mux) CloseAll(closedErr error) {
	m.mu.Lock()
	pendings := make([]*pending, 0, len(m.byToken))
	for tok, p := range m.byToken {
		pendings = append(pendings, p)
		delete(m.byToken, tok)
	}
	m.mu.Unlock()

	for _, p := range pendings {
		if p.timer != nil {
			p.timer.Stop()
		}
		if p.handler != nil {
			p.handler(Reply{Err: closedErr})
		}
	}
}

// Pending reports how many requests are currently awaiting a reply.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}
