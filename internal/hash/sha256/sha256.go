// Package sha256 computes document digests while the bytes stream to storage.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Digest tees everything read through it into a SHA-256 state.
type Digest struct {
	r io.Reader
	h hash.Hash
	n int64
}

// Wrap returns a Digest reading from r.
func Wrap(r io.Reader) *Digest {
	return &Digest{r: r, h: sha256.New()}
}

// Read implements io.Reader.
func (d *Digest) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		_, _ = d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Len returns the number of bytes read so far.
func (d *Digest) Len() int64 {
	return d.n
}

// Hash returns the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
