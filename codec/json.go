package codec

import (
	"encoding/json"
	"io"
)

// JSONCodec encodes values with encoding/json.
type JSONCodec struct{}

// Encoder returns a JSON encoder
func (c JSONCodec) Encoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

// Decoder returns a JSON decoder
func (c JSONCodec) Decoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}
