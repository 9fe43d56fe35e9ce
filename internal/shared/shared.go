package shared

import (
	"crypto/rand"
	"encoding/base64"
)

// RandString returns a string of n random characters from the
// URL-safe base64 alphabet.
// Used for link names, which only need to be unique per session pair.
func RandString(n int) string {
	b := make([]byte, n)
	// rand.Read never returns an error, per its documentation
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)[:n]
}
