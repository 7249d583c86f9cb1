// Package checksum computes the content digest used to detect unchanged files
// and to verify transfers. The digest is xxHash64: fast and non-cryptographic.
package checksum

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Checksum is a 64-bit content digest.
type Checksum uint64

// String renders the checksum as 16 lowercase hex digits.
func (c Checksum) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(c))
	return hex.EncodeToString(b[:])
}

// Parse is the inverse of String.
func Parse(s string) (Checksum, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return 0, fmt.Errorf("invalid checksum %q", s)
	}
	return Checksum(binary.BigEndian.Uint64(b)), nil
}

// Digest accumulates a checksum over streamed chunks.
type Digest struct {
	h *xxhash.Digest
	n int64
}

// NewDigest returns an empty digest.
func NewDigest() *Digest {
	return &Digest{h: xxhash.New()}
}

// Write adds p to the digest. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	n, _ := d.h.Write(p)
	d.n += int64(n)
	return n, nil
}

// Sum returns the checksum of everything written so far.
func (d *Digest) Sum() Checksum {
	return Checksum(d.h.Sum64())
}

// Size is the number of bytes written.
func (d *Digest) Size() int64 {
	return d.n
}

// Reset clears the digest for reuse.
func (d *Digest) Reset() {
	d.h.Reset()
	d.n = 0
}

// SumBytes returns the checksum of b.
func SumBytes(b []byte) Checksum {
	return Checksum(xxhash.Sum64(b))
}

// Sum reads r to EOF and returns its checksum and length.
func Sum(r io.Reader) (Checksum, int64, error) {
	d := NewDigest()
	n, err := io.Copy(d, r)
	if err != nil {
		return 0, n, fmt.Errorf("failed to checksum stream: %w", err)
	}
	return d.Sum(), n, nil
}
