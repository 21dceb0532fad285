// Package server implements the server end of duplex connections emulated
// over HTTP/2 exchanges. A Server is an http.Handler for one path: GETs open
// connections, POSTs carry their uploads. Connections are handed to the
// application through Accept or Serve.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/davedoesdev/browser-http2-duplex/metrics"
	"github.com/davedoesdev/browser-http2-duplex/wire"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
)

var log = logging.Logger("h2duplex/server")

// Defaults for the zero values of Options.
const (
	DefaultHighWaterMark = 16 << 10
	DefaultCloseTimeout  = time.Second
	DefaultAcceptTimeout = 30 * time.Second
)

// Options configures a Server. The zero value is usable.
type Options struct {
	// HighWaterMark is how many uploaded bytes a connection buffers ahead
	// of the application before upload exchanges stall.
	HighWaterMark int

	// CloseTimeout is how long a closed connection's download may take to
	// finish before it is reset.
	CloseTimeout time.Duration

	// AcceptTimeout is how long an opened connection waits for the
	// application to accept it.
	AcceptTimeout time.Duration

	// DisableFiller omits the filler byte from downloads. Clients must be
	// configured to match.
	DisableFiller bool

	// Unhandled serves requests for other paths. Defaults to NotFound.
	Unhandled http.Handler

	// OnWarning is called with recoverable protocol problems.
	OnWarning func(error)

	// Metrics records exchange and connection counts. Nil disables it.
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = DefaultAcceptTimeout
	}
	if o.Unhandled == nil {
		o.Unhandled = http.NotFoundHandler()
	}
	return o
}

type sessionKey struct{}

type attachment struct {
	connContext func(context.Context, net.Conn) context.Context
	connState   func(net.Conn, http.ConnState)
}

// Server routes the exchanges of duplex connections and keeps a registry of
// them per transport session.
type Server struct {
	path    string
	opts    Options
	metrics *metrics.Metrics

	inbox   chan *Conn
	closing chan struct{}

	mu       sync.Mutex
	closed   bool
	fallback *Session
	sessions map[*Session]struct{}
	byCloser map[io.Closer]*Session
	attached map[*http.Server]*attachment
}

// New returns a Server for duplex connections at path.
func New(path string, opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}
	if path == "" {
		path = "/"
	}
	s := &Server{
		path:     path,
		opts:     opts.withDefaults(),
		metrics:  opts.Metrics,
		inbox:    make(chan *Conn),
		closing:  make(chan struct{}),
		sessions: make(map[*Session]struct{}),
		byCloser: make(map[io.Closer]*Session),
		attached: make(map[*http.Server]*attachment),
	}
	s.fallback = newSession(s, nil, nil)
	s.metrics.SessionOpened()
	return s
}

// Path returns the path the server answers on.
func (s *Server) Path() string {
	return s.path
}

// Accept waits for and returns the next opened connection. It returns
// io.EOF once the server is closed.
func (s *Server) Accept() (*Conn, error) {
	select {
	case c := <-s.inbox:
		return c, nil
	case <-s.closing:
		return nil, io.EOF
	}
}

// Serve accepts connections until the server is closed, handling each in
// its own goroutine.
func (s *Server) Serve(handler func(*Conn)) error {
	for {
		c, err := s.Accept()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		go handler(c)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		s.metrics.Exchange(metrics.KindUnhandled)
		s.opts.Unhandled.ServeHTTP(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.open(w, r)
	case http.MethodPost:
		s.upload(w, r)
	default:
		s.metrics.Exchange(metrics.KindMethodNotAllowed)
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		s.warn(&wire.ProtocolWarning{
			Method: r.Method,
			Path:   r.URL.Path,
			Err:    fmt.Errorf("h2duplex: unknown method: %s", r.Method),
		})
	}
}

func (s *Server) open(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	id, err := wire.NewID()
	if err != nil {
		s.warn(&wire.ProtocolWarning{Method: r.Method, Path: r.URL.Path, Err: err})
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	c := newConn(s, sess, id, w, r)
	if err := sess.register(c); err != nil {
		log.Debugf("open on session %s: %s", sess, err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	s.metrics.Exchange(metrics.KindOpen)

	h := w.Header()
	h.Set(wire.HeaderID, id)
	h.Set("Access-Control-Expose-Headers", wire.HeaderID)
	h.Set("Content-Type", wire.ContentType)
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	err = nil
	if !s.opts.DisableFiller {
		_, err = w.Write([]byte{wire.Filler})
	}
	if err == nil {
		err = c.rc.Flush()
	}
	if err != nil {
		log.Debugf("open on session %s: %s", sess, err)
		c.Close()
		c.serveDownload(r.Context())
		return
	}

	timer := time.NewTimer(s.opts.AcceptTimeout)
	select {
	case s.inbox <- c:
	case <-r.Context().Done():
		c.Close()
	case <-s.closing:
		c.Close()
	case <-timer.C:
		s.warn(&wire.ProtocolWarning{
			Method: r.Method,
			Path:   r.URL.Path,
			Err:    fmt.Errorf("h2duplex: connection not accepted within %s", s.opts.AcceptTimeout),
		})
		c.Close()
	}
	timer.Stop()

	c.serveDownload(r.Context())
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	c := sess.lookup(r.Header.Get(wire.HeaderID))
	if c == nil {
		// Uploads racing the end of their connection land here.
		log.Debugf("upload for unknown connection on session %s", sess)
		s.metrics.Exchange(metrics.KindNotFound)
		http.NotFound(w, r)
		return
	}

	if wire.IsTrue(r.Header, wire.HeaderEnd) {
		s.metrics.Exchange(metrics.KindEnd)
		c.endUpload()
		if wire.IsTrue(r.Header, wire.HeaderDestroyed) {
			c.abandon()
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	s.metrics.Exchange(metrics.KindUpload)
	single := wire.IsTrue(r.Header, wire.HeaderSingle)
	var body io.Reader = r.Body
	if !single {
		switch {
		case r.ContentLength == 0:
			w.WriteHeader(http.StatusOK)
			return
		case r.ContentLength > 0:
			body = io.LimitReader(r.Body, r.ContentLength)
		}
	}

	ctx := r.Context()
	result := make(chan error, 1)
	go func() {
		result <- c.pump(ctx, body)
	}()

	select {
	case err := <-result:
		switch {
		case err == nil:
			if single {
				c.endUpload()
			}
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, errSinkClosed):
			w.WriteHeader(http.StatusOK)
		case wire.IsBenignReset(err) || ctx.Err() != nil:
			log.Debugf("upload on session %s stopped: %s", sess, err)
		default:
			c.sink.fail(&wire.StreamError{Op: "upload", Err: err})
			sess.remove(c)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	case <-c.closed:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) warn(err error) {
	log.Warnf("%s", err)
	s.metrics.Warning()
	if s.opts.OnWarning != nil {
		s.opts.OnWarning(err)
	}
}

// session returns the session a request arrived on. HTTP/1 clients spread
// exchanges over several connections, so their requests share the fallback
// session.
func (s *Server) session(r *http.Request) *Session {
	if r.ProtoMajor < 2 {
		return s.fallback
	}
	if sess, ok := r.Context().Value(sessionKey{}).(*Session); ok && sess.srv == s {
		return sess
	}
	return s.fallback
}

// OpenSession starts a session for the transport session c. Exchanges of
// the session must be served with the returned context.
func (s *Server) OpenSession(ctx context.Context, c io.Closer) context.Context {
	return s.openSession(ctx, c, nil)
}

func (s *Server) openSession(ctx context.Context, c io.Closer, origin *http.Server) context.Context {
	sess := newSession(s, c, origin)
	s.metrics.SessionOpened()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.end()
		return context.WithValue(ctx, sessionKey{}, sess)
	}
	s.sessions[sess] = struct{}{}
	if c != nil {
		s.byCloser[c] = sess
	}
	s.mu.Unlock()

	log.Debugf("session %s opened", sess)
	return context.WithValue(ctx, sessionKey{}, sess)
}

// CloseSession ends the session started by OpenSession. Its connections
// see the end of their input.
func (s *Server) CloseSession(ctx context.Context) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	if !ok || sess.srv != s {
		return
	}
	s.dropSession(sess)
	sess.end()
}

func (s *Server) closeSessionFor(c io.Closer) {
	s.mu.Lock()
	sess := s.byCloser[c]
	s.mu.Unlock()
	if sess != nil {
		s.dropSession(sess)
		sess.end()
	}
}

func (s *Server) dropSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
	if sess.closer != nil && s.byCloser[sess.closer] == sess {
		delete(s.byCloser, sess.closer)
	}
}

// Attach hooks the server into hs so every connection hs accepts gets its
// own session. Attaching twice has no effect.
func (s *Server) Attach(hs *http.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attached[hs]; ok {
		return
	}
	a := &attachment{connContext: hs.ConnContext, connState: hs.ConnState}
	s.attached[hs] = a

	hs.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
		if a.connContext != nil {
			ctx = a.connContext(ctx, c)
		}
		return s.openSession(ctx, c, hs)
	}
	hs.ConnState = func(c net.Conn, state http.ConnState) {
		if a.connState != nil {
			a.connState(c, state)
		}
		if state == http.StateClosed || state == http.StateHijacked {
			s.closeSessionFor(c)
		}
	}
}

// Detach undoes Attach and force-closes the sessions of hs. It reports the
// sessions that failed to close.
func (s *Server) Detach(hs *http.Server) error {
	s.mu.Lock()
	a, ok := s.attached[hs]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.attached, hs)
	hs.ConnContext = a.connContext
	hs.ConnState = a.connState
	var sessions []*Session
	for sess := range s.sessions {
		if sess.origin == hs {
			sessions = append(sessions, sess)
		}
	}
	s.mu.Unlock()

	return s.closeSessions(sessions)
}

// Close force-closes every session and stops accepting connections.
// Closing a closed server has no effect.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	sessions := []*Session{s.fallback}
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	return s.closeSessions(sessions)
}

func (s *Server) closeSessions(sessions []*Session) error {
	var err error
	for _, sess := range sessions {
		if cerr := sess.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			cerr = fmt.Errorf("h2duplex: closing session %s: %w", sess, cerr)
			s.warn(cerr)
			err = multierr.Append(err, cerr)
		}
		s.dropSession(sess)
		sess.end()
	}
	return err
}
