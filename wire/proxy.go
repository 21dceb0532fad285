package wire

import (
	"io"
	"sync"
)

// Join copies bytes between a and b in both directions until both sides
// have ended, then closes them. The end of one direction is passed on with
// CloseWrite when the receiving side supports it.
func Join(a, b io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		io.Copy(a, b)
		closeWrite(a)
		wg.Done()
	}()
	go func() {
		io.Copy(b, a)
		closeWrite(b)
		wg.Done()
	}()
	wg.Wait()
	a.Close()
	b.Close()
}

func closeWrite(c io.Closer) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}
