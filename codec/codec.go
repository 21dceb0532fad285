// Package codec provides the value encodings used for server status
// snapshots.
package codec

import (
	"io"
)

type Encoder interface {
	// Encode writes an encoding of v to its Writer.
	Encode(v interface{}) error
}

type Decoder interface {
	// Decode reads the next encoded value from its Reader and stores it in the value pointed to by v.
	Decode(v interface{}) error
}

// Codec returns an Encoder or Decoder given a Writer or Reader.
type Codec interface {
	Encoder(w io.Writer) Encoder
	Decoder(r io.Reader) Decoder
}

// Media types of the named codecs.
const (
	ContentTypeCBOR = "application/cbor"
	ContentTypeJSON = "application/json"
)

// ContentType returns the media type of the codec registered under name.
func ContentType(name string) string {
	if name == "json" {
		return ContentTypeJSON
	}
	return ContentTypeCBOR
}

// Named returns the codec registered under name, or nil.
// Known names are "cbor" and "json".
func Named(name string) Codec {
	switch name {
	case "cbor", "":
		return CBORCodec{}
	case "json":
		return JSONCodec{}
	default:
		return nil
	}
}
