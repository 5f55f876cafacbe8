package torrent

import (
	"github.com/google/uuid"
)

const CLIENT_PREFIX = "-SW0001-"

// NewPeerID returns an Azureus-style peer id: the client prefix followed
// by 12 random bytes.
func NewPeerID() [20]byte {
	var peerID [20]byte
	copy(peerID[:8], CLIENT_PREFIX)
	random := uuid.New()
	copy(peerID[8:], random[:12])
	return peerID
}
