// Package pool implements the server pool described in spec.md §4.3: an
// ordered, circular list of broker endpoints with randomization,
// rotation, and gossip-driven reconciliation of implicit members learned
// from a broker's INFO frame.
package pool

import (
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultURL is used when the pool is constructed with no explicit
// endpoints, per spec.md §4.3.
const DefaultURL = "nats://localhost:4222"

// DefaultPort is assumed for any endpoint URL with no explicit port.
const DefaultPort = 4222

// Endpoint is one broker address in the pool, per spec.md §3.
type Endpoint struct {
	URL         *url.URL
	Implicit    bool
	DidConnect  bool
	Reconnects  int
	LastConnect time.Time
	// TraceID correlates this endpoint across log lines; it carries no
	// wire-protocol meaning (see SPEC_FULL.md §5).
	TraceID string
}

// String returns the normalized host:port form, without credentials,
// suitable for display and for comparison against connect_urls entries.
func (e *Endpoint) String() string {
	return e.URL.Host
}

// Pool owns the ordered endpoint list and the "current" selection.
// It is not safe for concurrent use; the engine serializes access the
// same way it serializes the subscription registry and pongs queue.
type Pool struct {
	endpoints []*Endpoint
}

// Options configures pool construction.
type Options struct {
	// URLs are the user-supplied server addresses, in order. At least
	// one of URLs must be non-empty, or the pool falls back to
	// DefaultURL.
	URLs []string
	// NoRandomize disables shuffling of non-explicit (i.e. all
	// user-supplied) members. Implicit, gossip-learned members are
	// never shuffled relative to discovery order.
	NoRandomize bool
}

// New builds a Pool per the construction rules in spec.md §4.3: the
// first URL (if present in the list) is rotated to the head; if the
// first URL is not a member it is prepended; if no URLs were given the
// default localhost endpoint is used.
func New(opts Options) (*Pool, error) {
	urls := opts.URLs
	if len(urls) == 0 {
		urls = []string{DefaultURL}
	}

	endpoints := make([]*Endpoint, 0, len(urls))
	for _, raw := range urls {
		ep, err := parseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	if !opts.NoRandomize {
		rand.Shuffle(len(endpoints), func(i, j int) {
			endpoints[i], endpoints[j] = endpoints[j], endpoints[i]
		})
	}

	first := urls[0]
	firstIdx := -1
	for i, ep := range endpoints {
		if ep.String() == normalizedHost(first) {
			firstIdx = i
			break
		}
	}
	if firstIdx > 0 {
		endpoints[0], endpoints[firstIdx] = endpoints[firstIdx], endpoints[0]
	}

	return &Pool{endpoints: endpoints}, nil
}

func parseEndpoint(raw string) (*Endpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = "nats://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Port() == "" {
		u.Host = u.Host + ":" + strconv.Itoa(DefaultPort)
	}
	return &Endpoint{URL: u, TraceID: uuid.NewString()}, nil
}

func normalizedHost(raw string) string {
	ep, err := parseEndpoint(raw)
	if err != nil {
		return raw
	}
	return ep.String()
}

// Current returns the head-of-list endpoint, the one currently (or
// about to be) connected.
func (p *Pool) Current() *Endpoint {
	if len(p.endpoints) == 0 {
		return nil
	}
	return p.endpoints[0]
}

// All returns every endpoint in pool order. The returned slice aliases
// internal storage and must not be mutated.
func (p *Pool) All() []*Endpoint {
	return p.endpoints
}

// SelectServer rotates the current head to the tail and returns the new
// head, per spec.md §4.3.
func (p *Pool) SelectServer() *Endpoint {
	if len(p.endpoints) == 0 {
		return nil
	}
	head := p.endpoints[0]
	p.endpoints = append(p.endpoints[1:], head)
	return p.Current()
}

// RemoveCurrentServer drops the head endpoint from the pool entirely
// (used when a server is known gone and should not be retried).
func (p *Pool) RemoveCurrentServer() {
	if len(p.endpoints) == 0 {
		return
	}
	p.endpoints = p.endpoints[1:]
}

// Update is the result of reconciling gossiped connect_urls against the
// current implicit membership, per spec.md §4.3.
type Update struct {
	Added   []*Endpoint
	Deleted []*Endpoint
}

// Empty reports whether the update added or deleted nothing.
func (u Update) Empty() bool {
	return len(u.Added) == 0 && len(u.Deleted) == 0
}

// ProcessServerUpdate reconciles the pool's implicit membership against
// a gossiped connect_urls list, per spec.md §4.3: new addresses are
// added as implicit members; implicit members no longer gossiped are
// removed, except the current endpoint, which is never evicted even if
// momentarily absent from the gossip.
func (p *Pool) ProcessServerUpdate(connectURLs []string) Update {
	var update Update
	current := p.Current()

	gossiped := make(map[string]bool, len(connectURLs))
	for _, raw := range connectURLs {
		gossiped[normalizedHost(raw)] = true
	}

	// Additions: gossiped addresses with no existing pool member.
	existing := make(map[string]bool, len(p.endpoints))
	for _, ep := range p.endpoints {
		existing[ep.String()] = true
	}
	for _, raw := range connectURLs {
		host := normalizedHost(raw)
		if existing[host] {
			continue
		}
		ep, err := parseEndpoint(raw)
		if err != nil {
			continue
		}
		ep.Implicit = true
		p.endpoints = append(p.endpoints, ep)
		update.Added = append(update.Added, ep)
		existing[host] = true
	}

	// Deletions: implicit members no longer gossiped, excluding current.
	kept := p.endpoints[:0:0]
	for _, ep := range p.endpoints {
		if ep.Implicit && !gossiped[ep.String()] && ep != current {
			update.Deleted = append(update.Deleted, ep)
			continue
		}
		kept = append(kept, ep)
	}
	p.endpoints = kept

	return update
}

// MarkConnected records a successful handshake against ep, resetting
// its reconnect counter.
func (p *Pool) MarkConnected(ep *Endpoint) {
	ep.DidConnect = true
	ep.LastConnect = time.Now()
	ep.Reconnects = 0
}
