// Package brokerr defines the closed set of error kinds the engine and
// facade surface to callers, following the teacher's
// internal/client.BrokerError shape (a code plus a message) generalized
// with errors.Is-compatible sentinels so callers can branch on kind
// without string matching.
package brokerr

import "fmt"

// Kind is one of the closed set of error codes from spec.md §7.
type Kind string

const (
	KindBadAuthentication    Kind = "BAD_AUTHENTICATION"
	KindAuthorizationViol    Kind = "AUTHORIZATION_VIOLATION"
	KindPermissionsViol      Kind = "PERMISSIONS_VIOLATION"
	KindSignatureRequired    Kind = "SIGNATURE_REQUIRED"
	KindNkeyOrJWTReq         Kind = "NKEY_OR_JWT_REQ"
	KindNonceSignerNotFunc   Kind = "NONCE_SIGNER_NOTFUNC"
	KindBadCreds             Kind = "BAD_CREDS"
	KindBadNkeySeed          Kind = "BAD_NKEY_SEED"
	KindSecureConnReq        Kind = "SECURE_CONN_REQ"
	KindNonSecureConnReq     Kind = "NON_SECURE_CONN_REQ"
	KindClientCertReq        Kind = "CLIENT_CERT_REQ"
	KindOpenSSLErr           Kind = "OPENSSL_ERR"
	KindConnErr              Kind = "CONN_ERR"
	KindConnClosed           Kind = "CONN_CLOSED"
	KindConnDraining         Kind = "CONN_DRAINING"
	KindConnTimeout          Kind = "CONN_TIMEOUT"
	KindStaleConnection      Kind = "STALE_CONNECTION"
	KindProtocolErr          Kind = "NATS_PROTOCOL_ERR"
	KindBadJSON              Kind = "BAD_JSON"
	KindBadMsg               Kind = "BAD_MSG"
	KindBadReply             Kind = "BAD_REPLY"
	KindBadSubject           Kind = "BAD_SUBJECT"
	KindInvalidEncoding      Kind = "INVALID_ENCODING"
	KindNoEchoNotSupported   Kind = "NO_ECHO_NOT_SUPPORTED"
	KindSubClosed            Kind = "SUB_CLOSED"
	KindSubDraining          Kind = "SUB_DRAINING"
	KindSubTimeout           Kind = "SUB_TIMEOUT"
	KindReqTimeout           Kind = "REQ_TIMEOUT"
)

// Error is the concrete error type surfaced by this module. Kind is
// stable and intended for programmatic branching via Is; Message is
// human-readable detail.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause == nil {
		return string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Kind, so callers
// can write errors.Is(err, brokerr.New(brokerr.KindConnClosed, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind, chaining cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
