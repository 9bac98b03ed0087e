// Package nodeid implements the overlay's opaque 128-bit node identifier.
package nodeid

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit identity. It is not a formatted UUID string; the
// bytes are generated from a UUID but treated only as random, comparable
// data. Nothing in the overlay inspects UUID version/variant bits.
type ID [16]byte

// Zero is the empty identifier, used as a "no node" sentinel.
var Zero ID

// New generates a fresh random identifier.
func New() ID {
	var id ID
	copy(id[:], uuid.New()[:])
	return id
}

// String renders the identifier as lowercase hex, e.g. for logging.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Parse decodes a hex-encoded identifier produced by String.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("nodeid: parse %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("nodeid: parse %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == Zero
}

// Less gives IDs the fixed lexicographic order the overlay uses to break
// ties deterministically (e.g. equal-cost routes, equal-cost origins).
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}
