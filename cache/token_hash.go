package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashStateToken hashes a state token before it is used as a storage key, so a
// dump of the store does not reveal live state values.
func HashStateToken(state string) string {
	sum := sha256.Sum256([]byte(state))
	return hex.EncodeToString(sum[:])
}
