package wire

import (
	"crypto/rand"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// IDSize is the number of random bytes in a connection identifier.
const IDSize = 64

// NewID returns a fresh connection identifier: IDSize random bytes in
// multibase base64url, which is safe to carry in a header value.
func NewID() (string, error) {
	b := make([]byte, IDSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("h2duplex: reading random id: %w", err)
	}
	return multibase.Encode(multibase.Base64url, b)
}
