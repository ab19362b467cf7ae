package util

import (
	"crypto/sha256"
	"fmt"
)

// maxKeyLen bounds namespaced keys so backends with key-size limits (and log
// lines) stay manageable. Longer user keys are replaced by a digest.
const maxKeyLen = 250

// NamespacedKey joins a keyspace prefix, instance name and user key into the
// storage key. User keys longer than the backend-friendly bound are hashed;
// equal user keys always map to equal storage keys.
func NamespacedKey(prefix, name, userKey string) string {
	k := prefix + ":" + name + ":" + userKey
	if len(k) <= maxKeyLen {
		return k
	}
	sum := sha256.Sum256([]byte(userKey))
	return fmt.Sprintf("%s:%s:h:%x", prefix, name, sum[:16])
}
