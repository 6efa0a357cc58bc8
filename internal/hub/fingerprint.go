package hub

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint is the loggable stand-in for a device identifier. The
// identifier itself is the only thing that grants access to a device's
// state, so it never appears in logs, events or the session history.
func Fingerprint(deviceID string) string {
	sum := blake2b.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:8])
}
