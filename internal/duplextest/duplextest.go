// Package duplextest runs a duplex server on a loopback listener for tests,
// over any of the hosting transports.
package duplextest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/davedoesdev/browser-http2-duplex/client"
	"github.com/davedoesdev/browser-http2-duplex/server"
	"github.com/davedoesdev/browser-http2-duplex/transport"
)

// Path is where test servers answer.
const Path = "/duplex"

// Transports lists the hosting transports an Env can run over. "http1"
// uses a stock net/http server attached with Server.Attach and cannot
// stream uploads.
var Transports = []string{"h2c", "h2", "quic", "http1"}

// Env is a running duplex server and a client configured to reach it.
type Env struct {
	Server *server.Server
	URL    string
	Client *http.Client

	mu       sync.Mutex
	warnings []error
}

// New starts a duplex server over the named transport. Everything is torn
// down when the test ends.
func New(t testing.TB, name string, opts *server.Options) *Env {
	t.Helper()
	if opts == nil {
		opts = &server.Options{}
	}
	env := &Env{}
	onWarning := opts.OnWarning
	opts.OnWarning = func(err error) {
		env.mu.Lock()
		env.warnings = append(env.warnings, err)
		env.mu.Unlock()
		if onWarning != nil {
			onWarning(err)
		}
	}
	env.Server = server.New(Path, opts)
	t.Cleanup(func() { env.Server.Close() })

	switch name {
	case transport.H2C:
		l, err := transport.ListenTCP("127.0.0.1:0")
		fatal(t, err)
		hs := &transport.HTTP2Server{Handler: env.Server, Hooks: env.Server}
		go hs.Serve(l)
		tr := transport.NewH2CTransport()
		t.Cleanup(func() {
			hs.Close()
			tr.CloseIdleConnections()
		})
		env.URL = "http://" + l.Addr().String() + Path
		env.Client = &http.Client{Transport: tr}

	case transport.H2:
		cfg, err := transport.SelfSignedTLSConfig()
		fatal(t, err)
		l, err := transport.ListenTCP("127.0.0.1:0")
		fatal(t, err)
		hs := &transport.HTTP2Server{Handler: env.Server, Hooks: env.Server, TLSConfig: cfg}
		go hs.Serve(l)
		tr := transport.NewH2Transport(transport.ClientTLSConfig(cfg))
		t.Cleanup(func() {
			hs.Close()
			tr.CloseIdleConnections()
		})
		env.URL = "https://" + l.Addr().String() + Path
		env.Client = &http.Client{Transport: tr}

	case transport.QUIC:
		cfg, err := transport.SelfSignedTLSConfig()
		fatal(t, err)
		l, err := transport.ListenQUIC("127.0.0.1:0", cfg, nil)
		fatal(t, err)
		qs := &transport.QUICServer{Handler: env.Server, Hooks: env.Server}
		go qs.Serve(l)
		tr := transport.NewQUICTransport(transport.ClientTLSConfig(cfg))
		t.Cleanup(func() {
			qs.Close()
			tr.Close()
		})
		env.URL = "https://" + l.Addr().String() + Path
		env.Client = &http.Client{Transport: tr}

	case "http1":
		hts := httptest.NewUnstartedServer(env.Server)
		env.Server.Attach(hts.Config)
		hts.Start()
		t.Cleanup(hts.Close)
		env.URL = hts.URL + Path
		env.Client = hts.Client()

	default:
		t.Fatalf("unknown transport %q", name)
	}
	return env
}

// Dial opens a client connection with the Env's client.
func (e *Env) Dial(t testing.TB, opts *client.Options) *client.Conn {
	t.Helper()
	if opts == nil {
		opts = &client.Options{}
	}
	if opts.Client == nil {
		opts.Client = e.Client
	}
	c, err := client.Dial(context.Background(), e.URL, opts)
	fatal(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// Pair dials a connection and accepts its server end.
func (e *Env) Pair(t testing.TB, opts *client.Options) (*client.Conn, *server.Conn) {
	t.Helper()
	c := e.Dial(t, opts)
	sc, err := e.Server.Accept()
	fatal(t, err)
	t.Cleanup(func() { sc.Close() })
	return c, sc
}

// Warnings returns the warnings the server has reported so far.
func (e *Env) Warnings() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.warnings...)
}

func fatal(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
