package store

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Digest accumulates a content fingerprint over a write session. The
// result is an opaque comparable string; clients only ever compare it
// against the digest they computed locally.
type Digest interface {
	Write(p []byte) (int, error)
	Sum() string
}

// Registry keys.
const (
	DigestRolling = "rolling"
	DigestSHA1    = "sha1"
	DigestBlake2b = "blake2b"
)

// NewDigest returns a fresh digest for the given registry key. The
// default "rolling" checksum is what legacy clients compare against;
// sha1 and blake2b are available for deployments that want a real
// hash behind the same interface shape.
func NewDigest(name string) (Digest, error) {
	switch name {
	case DigestRolling, "":
		return &rollingDigest{h: rollingSeed}, nil
	case DigestSHA1:
		return &hashDigest{h: sha1.New()}, nil
	case DigestBlake2b:
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, fmt.Errorf("blake2b init: %w", err)
		}
		return &hashDigest{h: h}, nil
	default:
		return nil, fmt.Errorf("unknown digest %q", name)
	}
}

const rollingSeed uint32 = 0x811c9dc5

// rollingDigest is the historical per-byte checksum: multiply-xor
// over the content, 8 hex chars out. Collision-prone but cheap, kept
// for compatibility with clients that verify against it.
type rollingDigest struct {
	h uint32
	n uint64
}

func (d *rollingDigest) Write(p []byte) (int, error) {
	for _, b := range p {
		d.h = (d.h ^ uint32(b)) * 16777619
	}
	d.n += uint64(len(p))
	return len(p), nil
}

func (d *rollingDigest) Sum() string {
	// Length folded in so truncation does not go unnoticed.
	return fmt.Sprintf("%08x%08x", d.h, uint32(d.n))
}

type hashDigest struct {
	h hash.Hash
}

func (d *hashDigest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

func (d *hashDigest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
