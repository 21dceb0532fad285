// Package transport provides the multiplexed request/response transports a
// duplex server and client run over. Every transport maps one underlying
// connection to one session and reports the session's lifetime through
// SessionHooks.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("h2duplex/transport")

// SessionHooks is notified when a transport session starts and ends.
// OpenSession returns the context every exchange of the session is served
// with. CloseSession is called exactly once, with that context, after the
// session has gone away.
type SessionHooks interface {
	OpenSession(ctx context.Context, c io.Closer) context.Context
	CloseSession(ctx context.Context)
}

// Names of the built-in transports.
const (
	H2C  = "h2c"
	H2   = "h2"
	QUIC = "quic"
)

// NewRoundTripper returns a client transport by name. Available names are
// "h2c", "h2" and "quic". cfg is ignored by "h2c".
func NewRoundTripper(name string, cfg *tls.Config) (http.RoundTripper, error) {
	switch name {
	case H2C:
		return NewH2CTransport(), nil
	case H2:
		return NewH2Transport(cfg), nil
	case QUIC:
		return NewQUICTransport(cfg), nil
	default:
		return nil, fmt.Errorf("transport '%s' not available", name)
	}
}
