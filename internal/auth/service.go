// internal/auth/service.go
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
)

// VerifyServiceToken compares a presented bearer token against the
// configured service secret. An empty configured secret disables the
// service credential entirely. Both sides are digested first so the
// comparison is constant time regardless of token length.
func VerifyServiceToken(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
