// Package client is the public facade over internal/engine, exposing
// the spec.md §6 operations (connect, publish, subscribe, request,
// flush, drain, close) and per-subscription handles, without exposing
// wire-level or reconnect-internal types to callers.
//
// Grounded on the teacher's public/agent.BaseAgent embedding pattern (a
// facade struct holding connection state plus lifecycle helpers),
// scaled down from a multi-service agent framework to a single
// connection facade, and on internal/client/broker.go's public
// Publish/Subscribe method shapes.
package client

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/tenzoki/brokerlink/internal/auth"
	"github.com/tenzoki/brokerlink/internal/config"
	"github.com/tenzoki/brokerlink/internal/wire"
)

// TLSMode mirrors the client TLS preference from spec.md §4.8's policy
// matrix, exposed at the facade boundary as a small enum rather than
// internal/auth's TLSPreference so callers never import internal/.
type TLSMode int

const (
	// TLSAuto upgrades iff the server's INFO advertises tls_required.
	TLSAuto TLSMode = iota
	// TLSOff fails the handshake if the server requires TLS.
	TLSOff
	// TLSOn requires the server to advertise tls_required, failing
	// otherwise; pairs with TLSFiles for client certificate material.
	TLSOn
)

// Options configures a Client. Zero value is usable (DefaultOptions
// fills in spec.md §6's implied defaults for timers); Servers/URL must
// still be set unless the default nats://localhost:4222 is desired.
type Options struct {
	URL         string
	Servers     []string
	NoRandomize bool

	Reconnect            bool
	ReconnectTimeWait    time.Duration
	ReconnectJitter      time.Duration
	MaxReconnectAttempts int // -1 = infinite

	PingInterval time.Duration
	MaxPingOut   int

	WaitOnFirstConnect bool
	Timeout            time.Duration
	YieldTime          time.Duration

	NoEcho bool
	Name   string

	User  string
	Pass  string
	Token string

	NKeyPub     string
	UserJWT     string
	NonceSigner auth.SignerFunc

	TLS      TLSMode
	TLSFiles *config.TLSConfig

	// Payload selects decoding for delivered message bodies: "string"
	// (default), "binary", or "json", per spec.md §6.
	Payload string

	Lang    string
	Version string

	Logger *logrus.Logger
	Clock  clockwork.Clock
}

// DefaultOptions returns Options pre-filled with spec.md §6's implied
// defaults (config.Defaults(), in duration form), ready for a caller to
// override selectively before calling New.
func DefaultOptions() Options {
	d := config.Defaults()
	return Options{
		Reconnect:            d.Reconnect,
		ReconnectTimeWait:    d.ReconnectTimeWait(),
		MaxReconnectAttempts: d.MaxReconnectAttempts,
		PingInterval:         d.PingInterval(),
		MaxPingOut:           d.MaxPingOut,
		Timeout:              d.Timeout(),
		Payload:              d.Payload,
		Lang:                 "go",
		Version:              "0.1.0",
	}
}

// FromConfigFile merges an on-disk config.ClientConfig (per spec.md
// §6's `url`/`servers`/timers/`tls`/`payload` options) over
// DefaultOptions. Credentials that cannot be expressed on disk
// (NonceSigner) are left at the caller's prior value.
func FromConfigFile(path string, base Options) (Options, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Options{}, err
	}
	base.URL = cfg.URL
	base.Servers = cfg.Servers
	base.NoRandomize = cfg.NoRandomize
	base.Reconnect = cfg.Reconnect
	base.ReconnectTimeWait = cfg.ReconnectTimeWait()
	base.ReconnectJitter = cfg.ReconnectJitter()
	base.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	base.PingInterval = cfg.PingInterval()
	base.MaxPingOut = cfg.MaxPingOut
	base.WaitOnFirstConnect = cfg.WaitOnFirstConnect
	base.Timeout = cfg.Timeout()
	base.YieldTime = cfg.YieldTime()
	base.NoEcho = cfg.NoEcho
	base.Name = cfg.Name
	base.User = cfg.User
	base.Pass = cfg.Pass
	base.Token = cfg.Token
	base.NKeyPub = cfg.NKey
	base.UserJWT = cfg.UserJWT
	base.TLSFiles = cfg.TLS
	if cfg.TLS != nil {
		base.TLS = TLSOn
	}
	if cfg.Payload != "" {
		base.Payload = cfg.Payload
	}
	return base, nil
}

func (o Options) toClientConfig() config.ClientConfig {
	return config.ClientConfig{
		URL:                  o.URL,
		Servers:              o.Servers,
		NoRandomize:          o.NoRandomize,
		Reconnect:            o.Reconnect,
		ReconnectTimeWaitMS:  int(o.ReconnectTimeWait / time.Millisecond),
		ReconnectJitterMS:    int(o.ReconnectJitter / time.Millisecond),
		MaxReconnectAttempts: o.MaxReconnectAttempts,
		PingIntervalMS:       int(o.PingInterval / time.Millisecond),
		MaxPingOut:           o.MaxPingOut,
		WaitOnFirstConnect:   o.WaitOnFirstConnect,
		TimeoutMS:            int(o.Timeout / time.Millisecond),
		YieldTimeMS:          int(o.YieldTime / time.Millisecond),
		NoEcho:               o.NoEcho,
		Name:                 o.Name,
		User:                 o.User,
		Pass:                 o.Pass,
		Token:                o.Token,
		NKey:                 o.NKeyPub,
		UserJWT:              o.UserJWT,
		TLS:                  o.TLSFiles,
		Payload:              o.Payload,
	}
}

func (o Options) toAuthOptions() auth.Options {
	pref := auth.TLSUnspecified
	switch o.TLS {
	case TLSOff:
		pref = auth.TLSDisabled
	case TLSOn:
		pref = auth.TLSEnabled
	}
	hasCert := o.TLSFiles != nil && o.TLSFiles.CertFile != ""
	return auth.Options{
		Name:          o.Name,
		Lang:          o.Lang,
		Version:       o.Version,
		User:          o.User,
		Pass:          o.Pass,
		Token:         o.Token,
		NoEcho:        o.NoEcho,
		NKeyPub:       o.NKeyPub,
		UserJWT:       o.UserJWT,
		Signer:        o.NonceSigner,
		TLSPref:       pref,
		HasClientCert: hasCert,
	}
}

func (o Options) payloadMode() wire.PayloadMode {
	switch o.Payload {
	case "binary":
		return wire.PayloadBinary
	case "json":
		return wire.PayloadJSON
	default:
		return wire.PayloadString
	}
}
