// Package token issues opaque single-use bearer tokens for confirmation
// and unsubscribe links. Tokens carry no embedded data; their only
// meaning is "the holder proved receipt of an email sent to this address".
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes gives 192 bits of entropy, comfortably past the 128-bit
// floor needed for negligible collision and guessing probability.
const tokenBytes = 24

// Issuer generates cryptographically random, URL-safe tokens.
type Issuer struct{}

// NewIssuer creates a token issuer.
func NewIssuer() *Issuer { return &Issuer{} }

// Issue returns a new URL-safe opaque token. The only failure mode is the
// OS entropy source being unavailable.
func (i *Issuer) Issue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
