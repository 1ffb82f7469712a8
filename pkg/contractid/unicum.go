package contractid

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ComputeUnicum derives the unicum hash binding a create-event payload
// under the given scheme version. The derivation is deterministic: the
// same payload and version always yield the same unicum.
//
// V2 hashes the payload directly. V3 adds domain separation by expanding
// the payload hash through HKDF with a version-tagged info string, so a
// V3 unicum can never collide with a V2 unicum over the same payload.
func ComputeUnicum(createPayload []byte, version Version) (Hash, error) {
	if !version.Known() {
		return Hash{}, &UnknownVersionError{Prefix: [prefixSize]byte{0xca, byte(version)}}
	}
	if !version.Authenticated() {
		return Hash{}, fmt.Errorf("%w: version %d has no unicum", ErrUnauthenticatedContractID, version)
	}

	digest := sha256.Sum256(createPayload)
	if version == VersionV2 {
		return Hash(digest), nil
	}

	info := fmt.Sprintf("acs-unicum-v%d", version)
	reader := hkdf.New(sha256.New, digest[:], nil, []byte(info))
	var out Hash
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return Hash{}, fmt.Errorf("failed to derive unicum: %w", err)
	}
	return out, nil
}

// ComputeDiscriminator hashes the create-event seed material (submission
// seed, stakeholders, template id) into the discriminator component.
func ComputeDiscriminator(seed []byte) Hash {
	return sha256.Sum256(seed)
}
