// Package model defines the core data structures shared across locationd's
// components: content hashes, machine identity, location entries, cluster
// state, checkpoint manifests and event batches.
package model

import (
	"encoding/hex"
	"fmt"

	"github.com/multiformats/go-multihash"
)

// ContentHash identifies content by a multihash-shaped value: a hash-type
// code plus a fixed digest. Two ContentHash values are equal iff their code
// and digest bytes are bytewise equal.
type ContentHash struct {
	Code   uint64
	Digest [32]byte
}

// NewContentHash builds a ContentHash from a multihash function code and a
// 32-byte digest.
func NewContentHash(code uint64, digest [32]byte) ContentHash {
	return ContentHash{Code: code, Digest: digest}
}

// ContentHashFromMultihash decodes a raw multihash-encoded byte string into
// a ContentHash. It fails if the digest is not exactly 32 bytes.
func ContentHashFromMultihash(mh []byte) (ContentHash, error) {
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return ContentHash{}, fmt.Errorf("decode multihash: %w", err)
	}
	if len(decoded.Digest) != 32 {
		return ContentHash{}, fmt.Errorf("unsupported digest length %d, want 32", len(decoded.Digest))
	}
	var h ContentHash
	h.Code = decoded.Code
	copy(h.Digest[:], decoded.Digest)
	return h, nil
}

// Bytes returns the multihash wire encoding of the content hash.
func (h ContentHash) Bytes() []byte {
	mh, err := multihash.Encode(h.Digest[:], h.Code)
	if err != nil {
		// Code is caller-controlled and validated at construction time in
		// practice; a bad code here indicates a programming error.
		panic(fmt.Sprintf("model: encode multihash: %v", err))
	}
	return mh
}

// String renders the content hash as hex(code):hex(digest).
func (h ContentHash) String() string {
	return fmt.Sprintf("%x:%s", h.Code, hex.EncodeToString(h.Digest[:]))
}

// IsZero reports whether h is the zero value.
func (h ContentHash) IsZero() bool {
	return h.Code == 0 && h.Digest == [32]byte{}
}

// ShortHashLen is the number of digest bytes retained in a ShortHash.
const ShortHashLen = 11

// ShortHash is a lossy projection of a ContentHash used as the LocationDB
// key. Collisions across distinct ContentHash values are possible but
// unlikely; callers that need certainty must resolve back to the full
// ContentHash out of band.
type ShortHash struct {
	Code   uint64
	Prefix [ShortHashLen]byte
}

// Short projects a ContentHash down to its ShortHash.
func (h ContentHash) Short() ShortHash {
	var s ShortHash
	s.Code = h.Code
	copy(s.Prefix[:], h.Digest[:ShortHashLen])
	return s
}

// String renders the short hash as hex(code):hex(prefix), used as the
// human-readable form of the `loc/{shortHash}` key.
func (s ShortHash) String() string {
	return fmt.Sprintf("%x:%s", s.Code, hex.EncodeToString(s.Prefix[:]))
}

// Key returns the raw bytes used as the LocationDB/GlobalKV storage key.
func (s ShortHash) Key() []byte {
	b := make([]byte, 0, 8+ShortHashLen)
	var codeBuf [8]byte
	for i := 0; i < 8; i++ {
		codeBuf[i] = byte(s.Code >> (8 * i))
	}
	b = append(b, codeBuf[:]...)
	b = append(b, s.Prefix[:]...)
	return b
}

// ShortHashFromKey reverses Key.
func ShortHashFromKey(key []byte) (ShortHash, error) {
	if len(key) != 8+ShortHashLen {
		return ShortHash{}, fmt.Errorf("model: invalid short hash key length %d", len(key))
	}
	var s ShortHash
	for i := 0; i < 8; i++ {
		s.Code |= uint64(key[i]) << (8 * i)
	}
	copy(s.Prefix[:], key[8:])
	return s, nil
}
