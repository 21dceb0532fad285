// Package wire holds the agreement both ends of a duplex connection share:
// header names, the filler byte, connection identifiers and the error types
// surfaced to applications.
//
// A connection is opened with a GET to the duplex path. The response carries
// the connection identifier in HeaderID and its body is the server to client
// byte stream, prefixed with one Filler byte. Client to server bytes travel in
// POSTs to the same path carrying HeaderID, either one long-lived POST marked
// with HeaderSingle or one POST per write followed by a POST marked with
// HeaderEnd.
//
// HeaderID, HeaderSingle and HeaderEnd are what protocol descriptions call
// the connection-id, connection-single and connection-end headers.
package wire

import (
	"io"
	"net/http"
	"strings"
)

const (
	// HeaderID correlates an exchange with its connection.
	HeaderID = "Http2-Duplex-Id"

	// HeaderSingle marks the one streamed upload of a connection.
	HeaderSingle = "Http2-Duplex-Single"

	// HeaderEnd marks an upload that carries no bytes and ends the upload side.
	HeaderEnd = "Http2-Duplex-End"

	// HeaderDestroyed accompanies HeaderEnd when the client is tearing its
	// side down and the server need not drain gracefully.
	HeaderDestroyed = "Http2-Duplex-Destroyed"

	// ContentType is used for every exchange body.
	ContentType = "application/octet-stream"
)

// Filler is the first byte of every download body when filler is enabled.
// It only exists to make the server flush response headers early and is
// never application data.
const Filler byte = 0

// Channel is a flow-controlled, ordered, duplex byte stream that can be
// half-closed. Both ends of a duplex connection implement it.
type Channel interface {
	io.ReadWriteCloser

	// CloseWrite signals the end of sending data.
	// The other side may still send data.
	CloseWrite() error

	// ID returns the connection identifier.
	ID() string
}

// IsTrue reports whether the header key is present with the value "true".
func IsTrue(h http.Header, key string) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get(key)), "true")
}
