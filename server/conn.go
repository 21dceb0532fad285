package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/davedoesdev/browser-http2-duplex/metrics"
	"github.com/davedoesdev/browser-http2-duplex/wire"
)

// uploadChunkSize is the most a single read from an upload body feeds to
// the sink.
const uploadChunkSize = 32 << 10

// Conn is the server end of a duplex connection. Reads return bytes
// uploaded by the client, writes go to the download exchange.
type Conn struct {
	id   string
	srv  *Server
	sess *Session
	req  *http.Request
	w    http.ResponseWriter
	rc   *http.ResponseController
	sink *sink

	// writeMu serializes writes to the download and protects writeErr.
	writeMu   sync.Mutex
	writeErr  error
	writeDone chan struct{}
	endOnce   sync.Once

	closeOnce sync.Once
	closed    chan struct{}

	// mu protects the download lifecycle below.
	mu       sync.Mutex
	finished bool
	forced   bool
	timer    *time.Timer
}

var _ wire.Channel = (*Conn)(nil)

func newConn(srv *Server, sess *Session, id string, w http.ResponseWriter, r *http.Request) *Conn {
	return &Conn{
		id:        id,
		srv:       srv,
		sess:      sess,
		req:       r,
		w:         w,
		rc:        http.NewResponseController(w),
		sink:      newSink(srv.opts.HighWaterMark),
		writeDone: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Header returns the request headers of the exchange that opened the
// connection.
func (c *Conn) Header() http.Header {
	return c.req.Header
}

// RemoteAddr returns the network address of the client.
func (c *Conn) RemoteAddr() string {
	return c.req.RemoteAddr
}

// Session returns the session the connection is registered in.
func (c *Conn) Session() *Session {
	return c.sess
}

// Read reads bytes uploaded by the client. It returns io.EOF once the
// client has ended its side and everything it sent has been read.
func (c *Conn) Read(p []byte) (int, error) {
	return c.sink.Read(p)
}

// Write sends p to the client on the download exchange and flushes it.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n, err := c.w.Write(p)
	if err == nil {
		err = c.rc.Flush()
	}
	c.srv.metrics.Bytes(metrics.Download, n)
	if err != nil {
		c.writeErr = &wire.StreamError{Op: "write", Err: err}
		return n, c.writeErr
	}
	return n, nil
}

// CloseWrite ends the download exchange once pending writes complete. The
// client may still upload.
func (c *Conn) CloseWrite() error {
	c.writeMu.Lock()
	if c.writeErr == nil {
		c.writeErr = wire.ErrWriteAfterEnd
	}
	c.writeMu.Unlock()
	c.endDownload()
	return nil
}

// Close releases the connection. A pending upload exchange is answered, the
// connection leaves its session and the download is ended. A download that
// has not finished within the close timeout is reset.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sink.close()
		c.sess.remove(c)
		c.shutdown()
	})
	return nil
}

// shutdown ends the download and arms the timer that resets it if it does
// not finish in time.
func (c *Conn) shutdown() {
	c.mu.Lock()
	if !c.finished && c.timer == nil {
		c.timer = time.AfterFunc(c.srv.opts.CloseTimeout, c.force)
	}
	c.mu.Unlock()
	c.endDownload()
}

func (c *Conn) endDownload() {
	c.endOnce.Do(func() {
		close(c.writeDone)
	})
}

// serveDownload holds the open exchange until the download ends.
func (c *Conn) serveDownload(ctx context.Context) {
	var err error
	select {
	case <-c.writeDone:
		err = net.ErrClosed
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.writeMu.Lock()
	if c.writeErr == nil {
		c.writeErr = &wire.StreamError{Op: "write", Err: err}
	}
	c.writeMu.Unlock()

	c.mu.Lock()
	c.finished = true
	forced := c.forced
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	if forced {
		panic(http.ErrAbortHandler)
	}
}

// force resets the download exchange, unblocking any pending write.
func (c *Conn) force() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.forced {
		return
	}
	c.forced = true
	if err := c.rc.SetWriteDeadline(time.Now()); err != nil {
		log.Debugf("session %s: resetting download: %s", c.sess, err)
	}
	c.endDownload()
}

// pump feeds an upload body into the sink.
func (c *Conn) pump(ctx context.Context, body io.Reader) error {
	buf := make([]byte, uploadChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			c.srv.metrics.Bytes(metrics.Upload, n)
			if ferr := c.sink.feed(ctx, buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// endUpload ends the client's side: queued bytes are delivered, then EOF.
func (c *Conn) endUpload() {
	c.sink.drainAndClose()
	c.sess.remove(c)
}

// abandon ends the upload and resets the download without waiting, for a
// client that is tearing its side down.
func (c *Conn) abandon() {
	c.endUpload()
	c.force()
}

func (c *Conn) sessionEnded() {
	c.sink.drainAndClose()
	c.shutdown()
}
