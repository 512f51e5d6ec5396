// Package idgen generates the two distinct id shapes this node hands
// out: gossip message ids (opaque uuids, since nothing on the wire
// parses their structure) and consensus round ids (the
// origin-prefixed hex format spec.md §6 fixes explicitly).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GossipID returns a fresh opaque gossip message id.
func GossipID() string {
	return uuid.New().String()
}

// RoundID returns a fresh consensus round id: the originator's peer key,
// a colon, and a 128-bit random value rendered as lowercase hex. A
// collision is astronomically unlikely and, per spec.md §6, is treated
// as equivalent to "round does not exist yet" rather than defended
// against explicitly.
func RoundID(originPeerKey string) string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read on the OS CSPRNG does not fail in practice;
		// a non-random fallback still yields a structurally valid id.
		return fmt.Sprintf("%s:%x", originPeerKey, buf)
	}
	return originPeerKey + ":" + hex.EncodeToString(buf[:])
}
