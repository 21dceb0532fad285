package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// NextProtoQUIC is the ALPN protocol of the QUIC transport.
const NextProtoQUIC = http3.NextProtoH3

// DefaultKeepAlive keeps idle QUIC connections, such as one carrying only a
// quiet download, from timing out.
const DefaultKeepAlive = 15 * time.Second

const (
	codeNoError       = quic.StreamErrorCode(http3.ErrCodeNoError)
	codeInternal      = quic.StreamErrorCode(http3.ErrCodeInternalError)
	codeSessionClosed = quic.ApplicationErrorCode(http3.ErrCodeNoError)
)

func quicConfig(cfg *quic.Config) *quic.Config {
	if cfg != nil {
		return cfg
	}
	return &quic.Config{KeepAlivePeriod: DefaultKeepAlive}
}

// sessionContext serves the values of the session context alongside those
// of a request context, which HTTP/3 derives from its stream.
type sessionContext struct {
	context.Context
	session context.Context
}

func (c sessionContext) Value(key any) any {
	if v := c.Context.Value(key); v != nil {
		return v
	}
	return c.session.Value(key)
}

func withSession(ctx context.Context, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(sessionContext{r.Context(), ctx}))
	})
}

// resetOnAbort resets the stream of a handler that panics with
// http.ErrAbortHandler. HTTP/3 would otherwise end the response cleanly.
func resetOnAbort(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				if hs, ok := r.Body.(http3.HTTPStreamer); ok {
					st := hs.HTTPStream()
					st.CancelWrite(codeInternal)
					st.CancelRead(codeNoError)
				}
			}
			panic(v)
		}()
		h.ServeHTTP(w, r)
	})
}
