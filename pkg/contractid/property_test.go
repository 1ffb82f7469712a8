//go:build property
// +build property

// Property-based tests for the contract id codec.
package contractid

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRoundTripProperty verifies Decode(Encode(d, u, v)) == (d, u, v)
// for all valid discriminators, unicums, and versions.
func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	hashGen := gen.SliceOfN(HashSize, gen.UInt8())
	versionGen := gen.OneConstOf(VersionLegacy, VersionV2, VersionV3)

	properties.Property("encode/decode round-trips byte-for-byte", prop.ForAll(
		func(discriminator, unicum []byte, version Version) bool {
			cid, err := Encode(discriminator, unicum, version)
			if err != nil {
				return false
			}
			decoded, err := Decode(cid.Bytes())
			if err != nil {
				return false
			}
			return decoded == cid &&
				decoded.Version() == version &&
				decoded.Discriminator().Hex() == cid.Discriminator().Hex() &&
				decoded.Unicum().Hex() == cid.Unicum().Hex()
		},
		hashGen, hashGen, versionGen,
	))

	properties.Property("wrong-length components are always rejected", prop.ForAll(
		func(size uint8, version Version) bool {
			if int(size) == HashSize {
				return true
			}
			_, err := Encode(make([]byte, int(size)), make([]byte, HashSize), version)
			return err != nil
		},
		gen.UInt8Range(0, 64), versionGen,
	))

	properties.TestingRun(t)
}
