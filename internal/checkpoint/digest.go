package checkpoint

import (
	"crypto/sha256"

	"github.com/multiformats/go-multihash"
)

// digestFunctionCode is the multihash function code for sha2-256, used to
// content-address checkpoint files the same way blobs are addressed.
const digestFunctionCode = multihash.SHA2_256

func contentDigest(data []byte) [32]byte {
	return sha256.Sum256(data)
}
