package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"

	"github.com/quic-go/quic-go/http3"
)

// QUICTransport is an HTTP/3 http.RoundTripper. Cancelling the context of
// a request resets its upload for as long as the body is being sent, even
// after the response body has been closed.
type QUICTransport struct {
	rt *http3.RoundTripper
}

// NewQUICTransport returns a QUICTransport using cfg for its handshakes.
func NewQUICTransport(cfg *tls.Config) *QUICTransport {
	return &QUICTransport{rt: &http3.RoundTripper{
		TLSClientConfig:    cfg,
		QuicConfig:         quicConfig(nil),
		DisableCompression: true,
	}}
}

func (t *QUICTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody {
		ctx := req.Context()
		body := req.Body
		req = req.Clone(ctx)
		req.Body = newCancelBody(ctx, body)
	}
	return t.rt.RoundTrip(req)
}

// CloseIdleConnections closes every connection without requests in flight.
func (t *QUICTransport) CloseIdleConnections() {
	t.rt.CloseIdleConnections()
}

// Close closes every connection the transport holds.
func (t *QUICTransport) Close() error {
	return t.rt.Close()
}

// cancelBody closes the request body when the request context is done, so
// a body blocked in Read fails and HTTP/3 resets the upload.
type cancelBody struct {
	io.ReadCloser
	ctx  context.Context
	stop func() bool
}

func newCancelBody(ctx context.Context, body io.ReadCloser) *cancelBody {
	b := &cancelBody{ReadCloser: body, ctx: ctx}
	b.stop = context.AfterFunc(ctx, func() {
		body.Close()
	})
	return b
}

func (b *cancelBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && b.ctx.Err() != nil {
		err = b.ctx.Err()
	}
	return n, err
}

func (b *cancelBody) Close() error {
	b.stop()
	return b.ReadCloser.Close()
}
