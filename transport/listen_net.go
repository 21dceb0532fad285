package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/net/http2"
)

// DefaultHandshakeTimeout bounds the TLS handshake of an accepted connection.
const DefaultHandshakeTimeout = 10 * time.Second

// HTTP2Server serves HTTP/2 on every connection accepted from a
// net.Listener. Each connection is one session. Without a TLSConfig the
// connections speak cleartext HTTP/2 with prior knowledge.
type HTTP2Server struct {
	Handler          http.Handler
	Hooks            SessionHooks
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration

	h2 http2.Server

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
}

// Serve accepts connections on l until it is closed and serves each one in
// its own goroutine.
func (s *HTTP2Server) Serve(l net.Listener) error {
	if !s.trackListener(l, true) {
		return net.ErrClosed
	}
	defer s.trackListener(l, false)

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return net.ErrClosed
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// Close closes every listener passed to Serve and every open connection.
func (s *HTTP2Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	for l := range s.listeners {
		err = multierr.Append(err, l.Close())
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *HTTP2Server) serveConn(c net.Conn) {
	defer c.Close()

	if s.TLSConfig != nil {
		tc := tls.Server(c, s.tlsConfig())
		timeout := s.HandshakeTimeout
		if timeout == 0 {
			timeout = DefaultHandshakeTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			log.Debugf("tls handshake with %s: %s", c.RemoteAddr(), err)
			return
		}
		c = tc
	}

	if !s.trackConn(c, true) {
		return
	}
	defer s.trackConn(c, false)

	ctx := context.Background()
	if s.Hooks != nil {
		ctx = s.Hooks.OpenSession(ctx, c)
		defer s.Hooks.CloseSession(ctx)
	}
	s.h2.ServeConn(c, &http2.ServeConnOpts{
		Context: ctx,
		Handler: s.Handler,
	})
}

func (s *HTTP2Server) tlsConfig() *tls.Config {
	cfg := s.TLSConfig.Clone()
	for _, p := range cfg.NextProtos {
		if p == http2.NextProtoTLS {
			return cfg
		}
	}
	cfg.NextProtos = append([]string{http2.NextProtoTLS}, cfg.NextProtos...)
	return cfg
}

func (s *HTTP2Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *HTTP2Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.listeners, l)
		return true
	}
	if s.closed {
		return false
	}
	if s.listeners == nil {
		s.listeners = make(map[net.Listener]struct{})
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *HTTP2Server) trackConn(c net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.conns, c)
		return true
	}
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[c] = struct{}{}
	return true
}

// ListenTCP creates a TCP listener at the given address.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// ListenUnix creates a Unix domain socket listener at the given path.
func ListenUnix(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}
