package client

import (
	"github.com/tenzoki/brokerlink/internal/envelope"
)

// ToEnvelope converts a delivered Msg into a serializable
// envelope.Envelope, stamping it with a fresh trace ID and the
// originating subscription's sid. Useful for forwarding a delivery
// elsewhere (structured logging, another transport) without losing its
// wire-level addressing fields.
func ToEnvelope(sid string, m Msg) *envelope.Envelope {
	e := envelope.New(m.Subject, sid, m.Reply, m.Data)
	e.Header = m.Header
	e.Decoded = m.Decoded
	e.DecodeErr = m.Err
	return e
}
