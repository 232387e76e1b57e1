// Package envelope is the in-memory representation of a delivered
// subscription or request message, independent of the wire encoding
// that produced it.
package envelope

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Envelope carries everything a handler needs about a delivered
// message: which subscription it arrived on, where to reply, and its
// payload in both raw and (optionally) decoded form.
type Envelope struct {
	ID string `json:"id"`

	Subject string `json:"subject"`
	Sid     string `json:"sid"`
	Reply   string `json:"reply,omitempty"`

	Header map[string][]string `json:"header,omitempty"`

	Payload json.RawMessage `json:"payload"`
	Size    int             `json:"size"`

	// Decoded holds the JSON-decoded payload when the client's
	// PayloadMode is JSON and decoding succeeded.
	Decoded interface{} `json:"-"`
	// DecodeErr is set when JSON decoding was attempted and failed;
	// Payload/Size remain populated either way.
	DecodeErr error `json:"-"`
}

// New constructs an Envelope for an inbound delivery. payload is
// copied by reference, not cloned.
func New(subject, sid, reply string, payload []byte) *Envelope {
	return &Envelope{
		ID:      uuid.New().String(),
		Subject: subject,
		Sid:     sid,
		Reply:   reply,
		Payload: payload,
		Size:    len(payload),
	}
}

// NewReply constructs an Envelope addressed back to req's Reply
// subject, for use composing a request/reply response.
func NewReply(req *Envelope, payload []byte) *Envelope {
	return &Envelope{
		ID:      uuid.New().String(),
		Subject: req.Reply,
		Payload: payload,
		Size:    len(payload),
	}
}

// SetHeader sets a single-valued header, replacing any existing
// values for key.
func (e *Envelope) SetHeader(key, value string) {
	if e.Header == nil {
		e.Header = make(map[string][]string)
	}
	e.Header[key] = []string{value}
}

// GetHeader returns the first value for key, if any.
func (e *Envelope) GetHeader(key string) (string, bool) {
	vals, ok := e.Header[key]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// UnmarshalPayload decodes the raw payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	clone := *e

	if e.Header != nil {
		clone.Header = make(map[string][]string, len(e.Header))
		for k, v := range e.Header {
			vals := make([]string, len(v))
			copy(vals, v)
			clone.Header[k] = vals
		}
	}
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}

	return &clone
}
