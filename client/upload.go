package client

import (
	"bytes"
	"errors"
	"io"
	"net"

	"github.com/davedoesdev/browser-http2-duplex/wire"
)

var errUploadClosed = errors.New("h2duplex: upload ended by server")

// uploader is how writes reach the server: one streamed exchange or one
// exchange per write.
type uploader interface {
	write(p []byte) error
	end() error
	abort()
}

// discreteUpload sends each write as its own exchange and waits for the
// response before the next, which keeps writes in order.
type discreteUpload struct {
	c *Conn
}

func (u *discreteUpload) write(p []byte) error {
	resp, err := u.c.post(u.c.writeCtx, bytes.NewReader(bytes.Clone(p)))
	if err != nil {
		return u.c.uploadErr(err)
	}
	discard(resp)
	return wire.CheckResponse(resp)
}

func (u *discreteUpload) end() error {
	resp, err := u.c.post(u.c.writeCtx, nil, wire.HeaderEnd)
	if err != nil {
		return u.c.uploadErr(err)
	}
	discard(resp)
	return wire.CheckResponse(resp)
}

func (u *discreteUpload) abort() {}

// streamUpload feeds every write into the body of one long-lived exchange.
type streamUpload struct {
	c    *Conn
	pw   *io.PipeWriter
	done chan struct{}
	err  error
}

func newStreamUpload(c *Conn) *streamUpload {
	pr, pw := io.Pipe()
	u := &streamUpload{
		c:    c,
		pw:   pw,
		done: make(chan struct{}),
	}
	go u.run(pr)
	return u
}

func (u *streamUpload) run(pr *io.PipeReader) {
	defer close(u.done)

	resp, err := u.c.post(u.c.writeCtx, pr, wire.HeaderSingle)
	if err == nil {
		discard(resp)
		err = wire.CheckResponse(resp)
	} else {
		err = u.c.uploadErr(err)
	}
	if err != nil {
		log.Debugf("streamed upload: %s", err)
		pr.CloseWithError(err)
	} else {
		pr.CloseWithError(errUploadClosed)
	}
	u.err = err
}

func (u *streamUpload) write(p []byte) error {
	_, err := u.pw.Write(p)
	if err != nil {
		var ce *wire.ConnectError
		if errors.As(err, &ce) || errors.Is(err, net.ErrClosed) {
			return err
		}
		return &wire.StreamError{Op: "write", Err: err}
	}
	return nil
}

func (u *streamUpload) end() error {
	u.pw.Close()
	<-u.done
	return u.err
}

func (u *streamUpload) abort() {
	u.pw.CloseWithError(net.ErrClosed)
}

// uploadErr classifies a failed upload exchange.
func (c *Conn) uploadErr(err error) error {
	if c.isDestroyed() {
		return net.ErrClosed
	}
	var se *wire.StreamError
	if errors.As(err, &se) {
		return err
	}
	return &wire.StreamError{Op: "upload", Err: err}
}
