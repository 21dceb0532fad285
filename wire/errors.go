package wire

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

// ErrWriteAfterEnd is returned by Write once CloseWrite has been called.
var ErrWriteAfterEnd = errors.New("h2duplex: write after end")

// ConnectError is returned when an open, upload or end exchange gets a
// response outside 2xx.
type ConnectError struct {
	StatusCode int
	Status     string
}

func (e *ConnectError) Error() string {
	if e.Status != "" {
		return e.Status
	}
	return strconv.Itoa(e.StatusCode)
}

// CheckResponse returns a *ConnectError for a response outside 2xx.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &ConnectError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
}

// StreamError wraps a transport failure that is not tied to a response
// status, such as a broken download body.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("h2duplex: %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ProtocolWarning describes a recoverable protocol problem with a single
// exchange. Servers report it and carry on.
type ProtocolWarning struct {
	Method string
	Path   string
	Err    error
}

func (w *ProtocolWarning) Error() string {
	return w.Err.Error()
}

func (w *ProtocolWarning) Unwrap() error {
	return w.Err
}

// IsBenignReset reports whether err is a stream reset sent by a peer that
// deliberately stopped an exchange it no longer needed. Such resets are not
// failures of the connection.
func IsBenignReset(err error) bool {
	if err == nil {
		return false
	}
	var se http2.StreamError
	if errors.As(err, &se) {
		return se.Code == http2.ErrCodeNo || se.Code == http2.ErrCodeCancel
	}
	var he *http3.Error
	if errors.As(err, &he) {
		return benignHTTP3(he.ErrorCode)
	}
	var qe *quic.StreamError
	if errors.As(err, &qe) {
		return benignHTTP3(http3.ErrCode(qe.ErrorCode))
	}
	var br interface{ BenignReset() bool }
	if errors.As(err, &br) {
		return br.BenignReset()
	}
	return false
}

func benignHTTP3(code http3.ErrCode) bool {
	return code == http3.ErrCodeNoError || code == http3.ErrCodeRequestCanceled
}
