// Package client implements the client end of duplex connections emulated
// over HTTP/2 exchanges. Dial opens a connection with a GET whose response
// body carries server to client bytes; writes are sent as POSTs.
package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/davedoesdev/browser-http2-duplex/wire"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("h2duplex/client")

// DefaultCloseTimeout bounds the notification sent to the server when a
// connection is destroyed.
const DefaultCloseTimeout = 5 * time.Second

// Options configures Dial. The zero value is usable.
type Options struct {
	// Client performs every exchange. Defaults to http.DefaultClient, which
	// only speaks HTTP/2 over TLS.
	Client *http.Client

	// Header is added to every exchange.
	Header http.Header

	// DisableRequestStreaming forces one upload exchange per write even
	// when the transport can stream request bodies.
	DisableRequestStreaming bool

	// DisableFiller must match the server's setting.
	DisableFiller bool

	// CloseTimeout bounds the notification sent to the server on Destroy.
	CloseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	return o
}

// Conn is the client end of a duplex connection.
type Conn struct {
	url  string
	id   string
	opts Options

	body       io.ReadCloser
	cancelRead context.CancelFunc

	// readMu serializes reads of the download.
	readMu   sync.Mutex
	filler   bool
	readDone bool

	up          uploader
	writeCtx    context.Context
	cancelWrite context.CancelFunc

	// writeMu serializes uploads and protects ended.
	writeMu sync.Mutex
	ended   bool

	destroyOnce sync.Once
	destroyed   chan struct{}
}

var _ wire.Channel = (*Conn)(nil)

// Dial opens a duplex connection at url. It fails with a *wire.ConnectError
// if the server answers with a status outside 2xx. ctx bounds the open
// exchange only; the connection outlives it.
func Dial(ctx context.Context, url string, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := opts.withDefaults()

	readCtx, cancelRead := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancelRead)
	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, url, nil)
	if err != nil {
		cancelRead()
		return nil, err
	}
	addHeaders(req.Header, o.Header)
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")

	resp, err := o.Client.Do(req)
	if !stop() {
		if err == nil {
			resp.Body.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		cancelRead()
		return nil, err
	}
	if err := wire.CheckResponse(resp); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		cancelRead()
		return nil, err
	}
	id := resp.Header.Get(wire.HeaderID)
	if id == "" {
		resp.Body.Close()
		cancelRead()
		return nil, errors.New("h2duplex: open response carries no connection id")
	}

	c := &Conn{
		url:        url,
		id:         id,
		opts:       o,
		body:       resp.Body,
		cancelRead: cancelRead,
		filler:     !o.DisableFiller,
		destroyed:  make(chan struct{}),
	}
	c.writeCtx, c.cancelWrite = context.WithCancel(context.Background())
	if canStreamRequests(resp, o) {
		c.up = newStreamUpload(c)
	} else {
		c.up = &discreteUpload{c}
	}
	log.Debugf("opened connection over %s, streaming uploads: %t", resp.Proto, c.Streaming())
	return c, nil
}

// canStreamRequests reports whether the open exchange went over a protocol
// that carries request bodies while the response is still streaming.
func canStreamRequests(resp *http.Response, o Options) bool {
	return !o.DisableRequestStreaming && resp.ProtoMajor >= 2
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Streaming reports whether writes go to a single streamed upload.
func (c *Conn) Streaming() bool {
	_, ok := c.up.(*streamUpload)
	return ok
}

// Read reads bytes sent by the server. A failure of the download is
// returned once as a *wire.StreamError; every later Read returns io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readDone {
		return 0, io.EOF
	}
	for {
		n, err := c.body.Read(p)
		if n > 0 && c.filler {
			c.filler = false
			n = copy(p, p[1:n])
			if n == 0 && err == nil {
				continue
			}
		}
		if err != nil {
			c.readDone = true
			if err != io.EOF && !wire.IsBenignReset(err) && !c.isDestroyed() {
				return n, &wire.StreamError{Op: "read", Err: err}
			}
			return n, io.EOF
		}
		return n, nil
	}
}

// Write sends p to the server. Discrete uploads fail with a
// *wire.ConnectError when the server rejects them.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isDestroyed() {
		return 0, net.ErrClosed
	}
	if c.ended {
		return 0, wire.ErrWriteAfterEnd
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := c.up.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite ends the upload side. The server sees the end of its input
// once everything written has been read.
func (c *Conn) CloseWrite() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ended {
		return nil
	}
	if c.isDestroyed() {
		return net.ErrClosed
	}
	c.ended = true
	return c.up.end()
}

// Destroy cancels both sides of the connection and tells the server it was
// abandoned. err is recorded in the debug log only. Destroy never fails and
// only acts once.
func (c *Conn) Destroy(err error) {
	c.destroyOnce.Do(func() {
		if err != nil {
			log.Debugf("destroying connection: %s", err)
		}
		close(c.destroyed)
		c.cancelRead()
		c.body.Close()
		c.up.abort()
		c.cancelWrite()
		c.notifyDestroyed()
	})
}

// Close is Destroy(nil).
func (c *Conn) Close() error {
	c.Destroy(nil)
	return nil
}

func (c *Conn) isDestroyed() bool {
	select {
	case <-c.destroyed:
		return true
	default:
		return false
	}
}

// notifyDestroyed sends the end exchange marked destroyed. Failures are
// expected when the server is already done with the connection.
func (c *Conn) notifyDestroyed() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CloseTimeout)
	defer cancel()
	resp, err := c.post(ctx, http.NoBody, wire.HeaderEnd, wire.HeaderDestroyed)
	if err != nil {
		log.Debugf("notifying server of destroyed connection: %s", err)
		return
	}
	discard(resp)
	if err := wire.CheckResponse(resp); err != nil {
		log.Debugf("notifying server of destroyed connection: %s", err)
	}
}

// post sends an upload exchange for the connection. Each flag header is
// set to "true".
func (c *Conn) post(ctx context.Context, body io.Reader, flags ...string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, err
	}
	addHeaders(req.Header, c.opts.Header)
	req.Header.Set(wire.HeaderID, c.id)
	req.Header.Set("Content-Type", wire.ContentType)
	for _, f := range flags {
		req.Header.Set(f, "true")
	}
	return c.opts.Client.Do(req)
}

func addHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}
