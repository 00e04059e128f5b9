package cache

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/xxh3"
)

// Fingerprint derives a stable key from raw, still-encoded cookie values.
// Order matters: callers pass values in a fixed cookie-name order.
func Fingerprint(values ...string) string {
	h128 := xxh3.HashString128(strings.Join(values, "\x00"))
	var sum [16]byte
	binary.LittleEndian.PutUint64(sum[:8], h128.Lo)
	binary.LittleEndian.PutUint64(sum[8:], h128.Hi)
	return hex.EncodeToString(sum[:])
}

// DashboardKey is the dashboard namespace key for an (email, authToken) pair.
func DashboardKey(email, authToken string) string {
	return Fingerprint(strings.ToLower(strings.TrimSpace(email)), authToken)
}
