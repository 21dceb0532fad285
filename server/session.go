package server

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rs/xid"
)

var (
	errSessionClosing = errors.New("h2duplex: session closing")
	errDuplicateID    = errors.New("h2duplex: duplicate connection id")
)

type sessionState int

const (
	sessionActive sessionState = iota
	sessionClosing
	sessionGone
)

func (s sessionState) String() string {
	switch s {
	case sessionActive:
		return "active"
	case sessionClosing:
		return "closing"
	default:
		return "gone"
	}
}

// Session is the registry of connections opened over one transport
// session. A connection identifier is only meaningful within the session
// that minted it.
type Session struct {
	tag    xid.ID
	srv    *Server
	closer io.Closer
	origin *http.Server

	mu    sync.Mutex
	state sessionState
	conns map[string]*Conn
}

func newSession(srv *Server, closer io.Closer, origin *http.Server) *Session {
	return &Session{
		tag:    xid.New(),
		srv:    srv,
		closer: closer,
		origin: origin,
		conns:  make(map[string]*Conn),
	}
}

// String returns a tag identifying the session in logs.
func (s *Session) String() string {
	return s.tag.String()
}

// Len returns the number of registered connections.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close force-closes the underlying transport session. Teardown of the
// registry follows when the transport reports the session gone.
func (s *Session) Close() error {
	if s.closer == nil {
		s.end()
		return nil
	}
	return s.closer.Close()
}

func (s *Session) register(c *Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionActive {
		return errSessionClosing
	}
	if _, exists := s.conns[c.id]; exists {
		return errDuplicateID
	}
	s.conns[c.id] = c
	s.srv.metrics.ConnOpened()
	return nil
}

func (s *Session) lookup(id string) *Conn {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// remove drops c from the registry. It reports whether c was registered.
func (s *Session) remove(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.id] != c {
		return false
	}
	delete(s.conns, c.id)
	s.srv.metrics.ConnRemoved()
	return true
}

// end tears the registry down. Every remaining connection sees the end of
// its input and loses its download.
func (s *Session) end() {
	s.mu.Lock()
	if s.state != sessionActive {
		s.mu.Unlock()
		return
	}
	s.state = sessionClosing
	conns := make([]*Conn, 0, len(s.conns))
	for id, c := range s.conns {
		conns = append(conns, c)
		delete(s.conns, id)
		s.srv.metrics.ConnRemoved()
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.sessionEnded()
	}
	log.Debugf("session %s ended with %d connections", s, len(conns))

	s.mu.Lock()
	s.state = sessionGone
	s.mu.Unlock()
	s.srv.metrics.SessionClosed()
}
