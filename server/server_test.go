package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davedoesdev/browser-http2-duplex/codec"
	"github.com/davedoesdev/browser-http2-duplex/metrics"
	"github.com/davedoesdev/browser-http2-duplex/transport"
	"github.com/davedoesdev/browser-http2-duplex/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type warnings struct {
	mu   sync.Mutex
	errs []error
}

func (w *warnings) add(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs = append(w.errs, err)
}

func (w *warnings) list() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]error(nil), w.errs...)
}

type testServer struct {
	*Server
	url    string
	client *http.Client
	warns  *warnings
}

// newTestServer serves a duplex Server over cleartext HTTP/2 on a loopback
// listener.
func newTestServer(t *testing.T, opts *Options) *testServer {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	warns := &warnings{}
	opts.OnWarning = warns.add
	srv := New("/duplex", opts)

	l, err := transport.ListenTCP("127.0.0.1:0")
	fatal(err, t)
	hs := &transport.HTTP2Server{Handler: srv, Hooks: srv}
	go hs.Serve(l)

	tr := transport.NewH2CTransport()
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		tr.CloseIdleConnections()
	})
	return &testServer{
		Server: srv,
		url:    "http://" + l.Addr().String() + "/duplex",
		client: &http.Client{Transport: tr},
		warns:  warns,
	}
}

func (ts *testServer) open(t *testing.T) (*http.Response, *Conn) {
	t.Helper()
	resp, err := ts.client.Get(ts.url)
	fatal(err, t)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string([]byte{wire.Filler}), readN(t, resp.Body, 1))

	c, err := ts.Accept()
	fatal(err, t)
	require.Equal(t, resp.Header.Get(wire.HeaderID), c.ID())
	return resp, c
}

func (ts *testServer) post(t *testing.T, id string, body io.Reader, headers ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.url, body)
	fatal(err, t)
	req.Header.Set(wire.HeaderID, id)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.client.Do(req)
	fatal(err, t)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func TestOpenHeaders(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, c := ts.open(t)
	defer resp.Body.Close()
	defer c.Close()

	require.Equal(t, wire.ContentType, resp.Header.Get("Content-Type"))
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.Equal(t, wire.HeaderID, resp.Header.Get("Access-Control-Expose-Headers"))
	require.Equal(t, 1, c.Session().Len())
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (w failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestOpenFillerWriteFails(t *testing.T) {
	warns := &warnings{}
	srv := New("/duplex", &Options{AcceptTimeout: 50 * time.Millisecond, OnWarning: warns.add})
	defer srv.Close()

	w := failingWriter{httptest.NewRecorder()}
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/duplex", nil))

	require.Equal(t, 0, srv.fallback.Len())
	require.Empty(t, warns.list())
	select {
	case c := <-srv.inbox:
		t.Fatalf("connection %s offered after a failed open", c.ID())
	default:
	}
}

func TestDiscreteUploadAndEnd(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, c := ts.open(t)
	defer resp.Body.Close()
	defer c.Close()

	r := ts.post(t, c.ID(), bytes.NewReader([]byte{1, 2, 3}))
	require.Equal(t, http.StatusOK, r.StatusCode)
	r = ts.post(t, c.ID(), http.NoBody)
	require.Equal(t, http.StatusOK, r.StatusCode)
	r = ts.post(t, c.ID(), http.NoBody, wire.HeaderEnd, "true")
	require.Equal(t, http.StatusOK, r.StatusCode)

	b, err := io.ReadAll(c)
	fatal(err, t)
	require.Equal(t, []byte{1, 2, 3}, b)
	require.Equal(t, 0, c.Session().Len())

	r = ts.post(t, c.ID(), bytes.NewReader([]byte{4}))
	require.Equal(t, http.StatusNotFound, r.StatusCode)
	require.Empty(t, ts.warns.list())
}

func TestSingleUpload(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, c := ts.open(t)
	defer resp.Body.Close()
	defer c.Close()

	pr, pw := io.Pipe()
	done := make(chan *http.Response, 1)
	go func() {
		done <- ts.post(t, c.ID(), pr, wire.HeaderSingle, "true")
	}()

	_, err := pw.Write([]byte("first"))
	fatal(err, t)
	require.Equal(t, "first", readN(t, c, 5))
	_, err = pw.Write([]byte("second"))
	fatal(err, t)
	require.Equal(t, "second", readN(t, c, 6))
	pw.Close()

	r := <-done
	require.Equal(t, http.StatusOK, r.StatusCode)
	_, err = c.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	require.Equal(t, 0, c.Session().Len())
}

func TestDownload(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, c := ts.open(t)
	defer resp.Body.Close()

	_, err := c.Write([]byte("hello"))
	fatal(err, t)
	require.Equal(t, "hello", readN(t, resp.Body, 5))

	fatal(c.CloseWrite(), t)
	_, err = c.Write([]byte("more"))
	require.ErrorIs(t, err, wire.ErrWriteAfterEnd)

	b, err := io.ReadAll(resp.Body)
	fatal(err, t)
	require.Empty(t, b)
	c.Close()
}

func TestCloseAnswersPendingUpload(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, c := ts.open(t)
	defer resp.Body.Close()

	pr, pw := io.Pipe()
	defer pw.Close()
	done := make(chan *http.Response, 1)
	go func() {
		done <- ts.post(t, c.ID(), pr, wire.HeaderSingle, "true")
	}()
	_, err := pw.Write([]byte("x"))
	fatal(err, t)
	require.Equal(t, "x", readN(t, c, 1))

	fatal(c.Close(), t)
	select {
	case r := <-done:
		require.Equal(t, http.StatusOK, r.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("upload not answered")
	}
	require.Equal(t, 0, c.Session().Len())

	_, err = io.ReadAll(resp.Body)
	fatal(err, t)
}

func TestAbandonResetsDownload(t *testing.T) {
	ts := newTestServer(t, &Options{CloseTimeout: time.Hour})
	resp, c := ts.open(t)
	defer resp.Body.Close()
	defer c.Close()

	r := ts.post(t, c.ID(), http.NoBody, wire.HeaderEnd, "true", wire.HeaderDestroyed, "true")
	require.Equal(t, http.StatusOK, r.StatusCode)

	_, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	_, err = c.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
}

func TestUnknownID(t *testing.T) {
	ts := newTestServer(t, nil)
	r := ts.post(t, "nope", bytes.NewReader([]byte("data")))
	require.Equal(t, http.StatusNotFound, r.StatusCode)
	require.Empty(t, ts.warns.list())
	require.Equal(t, 0, ts.fallback.Len())
}

func TestMethodNotAllowed(t *testing.T) {
	warns := &warnings{}
	srv := New("/duplex", &Options{OnWarning: warns.add})
	defer srv.Close()

	for i := 1; i <= 2; i++ {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/duplex", nil))
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
		require.Equal(t, "GET, POST", w.Header().Get("Allow"))
		require.Len(t, warns.list(), i)
	}
	var pw *wire.ProtocolWarning
	require.ErrorAs(t, warns.list()[0], &pw)
	require.Equal(t, http.MethodPut, pw.Method)
}

func TestUnhandled(t *testing.T) {
	var got string
	srv := New("/duplex", &Options{
		Unhandled: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.URL.Path
			w.WriteHeader(http.StatusTeapot)
		}),
	})
	defer srv.Close()

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	require.Equal(t, http.StatusTeapot, w.Code)
	require.Equal(t, "/other", got)

	srv = New("/duplex", nil)
	defer srv.Close()
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAcceptTimeout(t *testing.T) {
	ts := newTestServer(t, &Options{AcceptTimeout: 50 * time.Millisecond})
	resp, err := ts.client.Get(ts.url)
	fatal(err, t)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	fatal(err, t)
	require.Equal(t, []byte{wire.Filler}, b)
	require.Len(t, ts.warns.list(), 1)
}

func TestCloseEndsSessions(t *testing.T) {
	ts := newTestServer(t, nil)
	resp1, c1 := ts.open(t)
	defer resp1.Body.Close()
	resp2, c2 := ts.open(t)
	defer resp2.Body.Close()
	require.Same(t, c1.Session(), c2.Session())
	require.Equal(t, 2, c1.Session().Len())

	r := ts.post(t, c1.ID(), bytes.NewReader([]byte("pending")))
	require.Equal(t, http.StatusOK, r.StatusCode)

	fatal(ts.Close(), t)
	fatal(ts.Close(), t)

	_, err := ts.Accept()
	require.Equal(t, io.EOF, err)

	b, err := io.ReadAll(c1)
	fatal(err, t)
	require.Equal(t, "pending", string(b))
	_, err = c2.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	require.Equal(t, 0, c1.Session().Len())
}

func TestSessionHooks(t *testing.T) {
	srv := New("/duplex", nil)
	defer srv.Close()

	closer := &countingCloser{}
	ctx := srv.OpenSession(context.Background(), closer)
	sess := srv.session(h2Request(ctx))
	require.NotSame(t, srv.fallback, sess)
	require.Same(t, srv.fallback, srv.session(h2Request(context.Background())))
	require.Same(t, srv.fallback, srv.session(httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)))

	srv.CloseSession(ctx)
	srv.CloseSession(ctx)
	require.Equal(t, sessionGone, sess.state)
	require.Equal(t, 0, closer.n)

	ctx = srv.OpenSession(context.Background(), closer)
	fatal(srv.Close(), t)
	require.Equal(t, 1, closer.n)
	require.Equal(t, sessionGone, srv.session(h2Request(ctx)).state)
}

func h2Request(ctx context.Context) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/duplex", nil).WithContext(ctx)
	r.ProtoMajor = 2
	return r
}

type countingCloser struct {
	n int
}

func (c *countingCloser) Close() error {
	c.n++
	return nil
}

func TestAttach(t *testing.T) {
	srv := New("/duplex", nil)
	defer srv.Close()

	var states atomic.Int32
	hts := httptest.NewUnstartedServer(srv)
	hts.EnableHTTP2 = true
	hts.Config.ConnState = func(net.Conn, http.ConnState) {
		states.Add(1)
	}
	srv.Attach(hts.Config)
	srv.Attach(hts.Config)
	require.Len(t, srv.attached, 1)
	hts.StartTLS()
	defer hts.Close()

	resp, err := hts.Client().Get(hts.URL + "/duplex")
	fatal(err, t)
	defer resp.Body.Close()
	require.Equal(t, 2, resp.ProtoMajor)
	require.Equal(t, string([]byte{wire.Filler}), readN(t, resp.Body, 1))

	c, err := srv.Accept()
	fatal(err, t)
	require.NotSame(t, srv.fallback, c.Session())
	require.Equal(t, 1, c.Session().Len())

	hts.CloseClientConnections()
	_, err = c.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	require.Equal(t, 0, c.Session().Len())
	require.Greater(t, states.Load(), int32(0))
	c.Close()

	fatal(srv.Detach(hts.Config), t)
	require.Nil(t, hts.Config.ConnContext)
	fatal(srv.Detach(hts.Config), t)
}

func gathered(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	fatal(err, t)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if label != "" && (len(m.GetLabel()) == 0 || m.GetLabel()[0].GetValue() != label) {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, &Options{Metrics: metrics.New(reg)})
	resp, c := ts.open(t)
	defer resp.Body.Close()

	r := ts.post(t, c.ID(), bytes.NewReader([]byte("abc")))
	require.Equal(t, http.StatusOK, r.StatusCode)
	_, err := c.Write([]byte("hello"))
	fatal(err, t)
	ts.post(t, "unknown", http.NoBody)

	require.Equal(t, 1.0, gathered(t, reg, "h2duplex_connections", ""))
	require.Equal(t, 1.0, gathered(t, reg, "h2duplex_exchanges_total", metrics.KindOpen))
	require.Equal(t, 1.0, gathered(t, reg, "h2duplex_exchanges_total", metrics.KindUpload))
	require.Equal(t, 1.0, gathered(t, reg, "h2duplex_exchanges_total", metrics.KindNotFound))
	require.Equal(t, 3.0, gathered(t, reg, "h2duplex_bytes_total", metrics.Upload))
	require.Equal(t, 5.0, gathered(t, reg, "h2duplex_bytes_total", metrics.Download))

	fatal(c.Close(), t)
	require.Equal(t, 0.0, gathered(t, reg, "h2duplex_connections", ""))
	require.Equal(t, 1.0, gathered(t, reg, "h2duplex_connections_opened_total", ""))
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, c := ts.open(t)
	defer resp.Body.Close()
	defer c.Close()

	for _, name := range []string{"cbor", "json"} {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Accept", codec.ContentType(name))
		rec := httptest.NewRecorder()
		ts.StatsHandler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, codec.ContentType(name), rec.Header().Get("Content-Type"))

		var st Stats
		fatal(codec.Named(name).Decoder(rec.Body).Decode(&st), t)
		require.Equal(t, "/duplex", st.Path)
		require.Equal(t, 1, st.Connections)
		require.Len(t, st.Sessions, 2)
		require.True(t, st.Sessions[0].Fallback)
		require.Equal(t, c.Session().String(), st.Sessions[1].Tag)
		require.Equal(t, "active", st.Sessions[1].State)
		require.Equal(t, 1, st.Sessions[1].Connections)
	}

	rec := httptest.NewRecorder()
	ts.StatsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
