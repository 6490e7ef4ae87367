package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed seeds the chain before the first committed call.
const GenesisHashSeed = "TroveLedger:genesis:v1"

// HashChain links every committed call to the one before it:
//
//	tip[N] = SHA-256(tip[N-1] || BE64(N) || digest[N])
//
// digest[N] covers the postings, trove and pool state the call touched plus
// its events, so two engines agree on the tip only if they agree on history.
type HashChain struct {
	tip [32]byte
}

func NewHashChain() *HashChain {
	return &HashChain{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Extend appends call sequence with its state digest and returns the new tip.
func (c *HashChain) Extend(sequence int64, digest []byte) [32]byte {
	buf := make([]byte, 0, len(c.tip)+8+len(digest))
	buf = append(buf, c.tip[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, digest...)
	c.tip = sha256.Sum256(buf)
	return c.tip
}

// Tip is the hash of the last committed call, or the genesis hash.
func (c *HashChain) Tip() [32]byte {
	return c.tip
}

// Resume continues the chain from a snapshot's recorded tip. Replaying the
// command log after that snapshot must then reproduce each recorded hash.
func (c *HashChain) Resume(tip [32]byte) {
	c.tip = tip
}
