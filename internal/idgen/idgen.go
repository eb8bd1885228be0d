// Package idgen generates opaque identifiers for stored entities and
// export artifacts. Identifiers are compared byte-wise; nothing parses
// their internal structure.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed entity id, e.g. "queue_4f9d0c...".
// The random part is a UUIDv4 without dashes.
func New(prefix string) string {
	u := uuid.New()
	return fmt.Sprintf("%s_%x", prefix, u[:])
}

// NewExportID returns an export artifact id of the form exp_<12 hex chars>.
func NewExportID() string {
	return "exp_" + randomHex(6)
}

// randomHex returns n random bytes rendered as 2n lowercase hex characters.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform entropy source is broken;
		// fall back to a UUID which has its own failure handling.
		u := uuid.New()
		return hex.EncodeToString(u[:n])
	}
	return hex.EncodeToString(buf)
}
