package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashToken derives the odpt value for one item of a protected folder:
// lowercase hex HMAC-SHA256 over the item id, keyed by the folder password.
// Anyone holding it can fetch that item, and only that item.
func HashToken(secret, contentID string) string {
	m := hmac.New(sha256.New, []byte(secret))
	_, _ = m.Write([]byte(contentID))
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyToken reports whether presented is the odpt for contentID under
// secret. Empty tokens and empty secrets never verify.
func VerifyToken(presented, secret, contentID string) bool {
	presented = strings.TrimSpace(presented)
	if presented == "" || secret == "" {
		return false
	}
	want := HashToken(secret, contentID)
	return hmac.Equal([]byte(strings.ToLower(presented)), []byte(want))
}

func equalConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
