package nodeid

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/denisbrodbeck/machineid"
)

const appID = "strategy-engine"

// Prefix returns a short, stable identifier for this machine. It namespaces
// idempotency tokens so that orders placed by another installation sharing the
// same exchange account are never adopted as ours.
func Prefix() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil || id == "" {
		return FromSeed("fallback")
	}
	return shorten(id)
}

// FromSeed derives a prefix from an arbitrary seed (tests, containers without machine-id).
func FromSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return shorten(hex.EncodeToString(sum[:]))
}

func shorten(id string) string {
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
