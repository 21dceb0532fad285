package transport

import (
	"context"
	"crypto/tls"
	"net"

	"golang.org/x/net/http2"
)

// NewH2CTransport returns a client transport that speaks cleartext HTTP/2
// with prior knowledge, the counterpart of an HTTP2Server without TLS.
func NewH2CTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// NewH2CUnixTransport is NewH2CTransport for a server listening on a Unix
// domain socket. The host in request URLs is ignored.
func NewH2CUnixTransport(path string) *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
}

// NewH2Transport returns an HTTP/2 over TLS client transport.
func NewH2Transport(cfg *tls.Config) *http2.Transport {
	return &http2.Transport{
		TLSClientConfig: cfg,
	}
}
