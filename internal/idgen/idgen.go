// Package idgen generates the 128-bit random identifiers used for jobs,
// tasks, and events. The wire format is 32 lowercase hex characters with
// no separators.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a fresh 32-character lowercase hex identifier sourced from a
// cryptographically strong random generator. Collisions are treated as
// infeasible and not defended against.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Only fails when the OS entropy source is gone; a zero id here
		// would silently collide.
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
