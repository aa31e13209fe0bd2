// Package ids generates opaque record identifiers.
package ids

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns an opaque id of the form "<prefix>_<timestamp>_<random>".
// The random segment is bytes 8-13 of a v4 UUID (48 bits, 46 of them
// random after the two variant bits), well over the 30 bits of entropy
// the store requires to make collisions improbable across a single
// process lifetime.
func New(prefix string) string {
	u := uuid.New()
	random := uint64(u[8])<<40 | uint64(u[9])<<32 | uint64(u[10])<<24 |
		uint64(u[11])<<16 | uint64(u[12])<<8 | uint64(u[13])
	return fmt.Sprintf("%s_%d_%x", prefix, time.Now().UnixMilli(), random)
}
