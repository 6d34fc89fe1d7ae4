package serialization

import (
	"crypto/sha256"
	"fmt"
)

// Digest is the SHA-256 stored in a container header. It covers the
// header JSON followed by the tensor data, with no padding between them.
type Digest [sha256.Size]byte

// DigestOf hashes parts in order as if they were one buffer.
func DigestOf(parts ...[]byte) Digest {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	h.Sum(d[:0])
	return d
}

// Verify reports ErrChecksumMismatch when d differs from the digest read
// from a file.
func (d Digest) Verify(stored Digest) error {
	if d != stored {
		return fmt.Errorf("%w: stored %x, computed %x", ErrChecksumMismatch, stored[:6], d[:6])
	}
	return nil
}
