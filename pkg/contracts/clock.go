package contracts

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Clock provides authority time for the kernel services. Inject a fake in
// tests; production uses WallClock.
type Clock interface {
	Now() time.Time
}

// WallClock is the default Clock.
type WallClock struct{}

// Now returns the current UTC time.
func (WallClock) Now() time.Time { return time.Now().UTC() }

// NewID returns "<prefix>_<hex>" where hex encodes 12 random bytes. This is
// the wire form for token ids (cap_ / dct_) and the house style for every
// other entity id.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read only fails when the OS entropy source is broken;
		// there is no useful recovery.
		panic("id generation: " + err.Error())
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
