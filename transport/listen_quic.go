package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/multierr"
)

// ListenQUIC creates a QUIC listener at addr that negotiates HTTP/3.
func ListenQUIC(addr string, cfg *tls.Config, qcfg *quic.Config) (*quic.Listener, error) {
	cfg = cfg.Clone()
	cfg.NextProtos = []string{NextProtoQUIC}
	return quic.ListenAddr(addr, cfg, quicConfig(qcfg))
}

// QUICServer serves HTTP/3 on every connection accepted from a QUIC
// listener. Each QUIC connection is one session.
type QUICServer struct {
	Handler http.Handler
	Hooks   SessionHooks

	mu        sync.Mutex
	listeners map[*quic.Listener]struct{}
	conns     map[quic.Connection]struct{}
	closed    bool
}

// Serve accepts connections on l until it is closed.
func (s *QUICServer) Serve(l *quic.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	if s.listeners == nil {
		s.listeners = make(map[*quic.Listener]struct{})
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		conn, err := l.Accept(context.Background())
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return net.ErrClosed
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// Close closes every listener passed to Serve and every open connection.
func (s *QUICServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var err error
	for l := range s.listeners {
		err = multierr.Append(err, l.Close())
	}
	for c := range s.conns {
		c.CloseWithError(codeSessionClosed, "server closed")
	}
	return err
}

func (s *QUICServer) serveConn(conn quic.Connection) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.CloseWithError(codeSessionClosed, "server closed")
		return
	}
	if s.conns == nil {
		s.conns = make(map[quic.Connection]struct{})
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	handler := s.Handler
	if s.Hooks != nil {
		ctx := s.Hooks.OpenSession(conn.Context(), &quicSession{conn})
		defer s.Hooks.CloseSession(ctx)
		handler = withSession(ctx, handler)
	}
	h3 := &http3.Server{Handler: resetOnAbort(handler)}
	err := h3.ServeQUICConn(conn)
	log.Debugf("quic session %s ended: %v", conn.RemoteAddr(), err)
}

type quicSession struct {
	conn quic.Connection
}

func (s *quicSession) Close() error {
	return s.conn.CloseWithError(codeSessionClosed, "session closed")
}
