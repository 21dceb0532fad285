package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// errSinkClosed is returned by feed once the sink no longer accepts data.
var errSinkClosed = errors.New("h2duplex: upload to closed connection")

type chunk struct {
	data []byte
	err  error
	done chan struct{}
}

func (c *chunk) release(err error) {
	c.err = err
	close(c.done)
}

// sink adapts uploads, which arrive whenever an upload exchange delivers
// them, to the pace of the application's Reads. Chunks wait in pending, in
// arrival order, until the read buffer is below the high-water mark.
type sink struct {
	mu   sync.Mutex
	cond *sync.Cond
	hwm  int

	pending []*chunk
	buf     bytes.Buffer

	// needChunk is set when the reader found nothing pending and the
	// buffer has room, so the next feed goes straight to the buffer.
	needChunk bool

	eof    bool
	closed bool
	err    error
}

func newSink(hwm int) *sink {
	s := &sink{hwm: hwm, needChunk: true}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// feed queues a copy of p and waits until it has been handed to the read
// buffer. If ctx ends first the chunk stays queued and ctx.Err() is
// returned.
func (s *sink) feed(ctx context.Context, p []byte) error {
	s.mu.Lock()
	if s.closed || s.eof || s.err != nil {
		s.mu.Unlock()
		return errSinkClosed
	}
	c := &chunk{data: bytes.Clone(p), done: make(chan struct{})}
	s.pending = append(s.pending, c)
	if s.needChunk {
		s.pull()
	}
	s.mu.Unlock()

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pull moves pending chunks into the buffer until it reaches the high-water
// mark. s.mu must be held.
func (s *sink) pull() {
	moved := false
	for len(s.pending) > 0 && s.buf.Len() < s.hwm {
		c := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.buf.Write(c.data)
		c.release(nil)
		moved = true
	}
	s.needChunk = len(s.pending) == 0 && s.buf.Len() < s.hwm
	if moved {
		s.cond.Broadcast()
	}
}

func (s *sink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return 0, net.ErrClosed
		}
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(p)
			if s.buf.Len() < s.hwm {
				s.pull()
			}
			return n, nil
		}
		if len(s.pending) > 0 {
			s.pull()
			continue
		}
		s.needChunk = true
		if s.err != nil {
			return 0, s.err
		}
		if s.eof {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
}

// flush moves every pending chunk into the buffer regardless of the
// high-water mark. s.mu must be held.
func (s *sink) flush() {
	for _, c := range s.pending {
		s.buf.Write(c.data)
		c.release(nil)
	}
	s.pending = nil
}

// drainAndClose ends the input. Queued chunks are still delivered before
// io.EOF.
func (s *sink) drainAndClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof || s.closed || s.err != nil {
		return
	}
	s.flush()
	s.eof = true
	s.cond.Broadcast()
}

// fail ends the input with err once queued chunks have been read.
func (s *sink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof || s.closed || s.err != nil {
		return
	}
	s.flush()
	s.err = err
	s.cond.Broadcast()
}

// close discards everything and fails blocked and future Reads.
func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, c := range s.pending {
		c.release(errSinkClosed)
	}
	s.pending = nil
	s.buf.Reset()
	s.cond.Broadcast()
}

func (s *sink) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

func (s *sink) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
