package idp

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

const minPasswordBytes = 9

// GeneratePassword returns a random base58 password built from n bytes of
// entropy. The alphabet omits look-alike characters such as 0, O, I and l.
func GeneratePassword(n int) (string, error) {
	if n < minPasswordBytes {
		n = minPasswordBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base58.Encode(buf), nil
}
