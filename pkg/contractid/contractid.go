// Package contractid encodes and decodes authenticated contract
// identifiers.
//
// A contract id is a fixed-format byte string: a two-byte version prefix,
// a 32-byte discriminator hash, and a 32-byte unicum hash binding the
// create-event payload. Identifiers are immutable and never reused.
package contractid

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// HashSize is the byte length of discriminator and unicum components.
const HashSize = 32

// EncodedSize is the total byte length of an encoded contract id.
const EncodedSize = prefixSize + 2*HashSize

const prefixSize = 2

// Hash is a fixed-size content hash (SHA-256 or equivalent), produced by
// the crypto collaborator.
type Hash [HashSize]byte

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// HashFromBytes copies b into a Hash, rejecting wrong lengths.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, &EncodingError{Component: "hash", Got: len(b), Want: HashSize}
	}
	copy(h[:], b)
	return h, nil
}

// Version identifies a contract id scheme. The set of versions is closed;
// unknown future versions are rejected at decode, never truncated.
type Version uint8

const (
	// VersionLegacy is the pre-authentication scheme. Its identifiers
	// carry no verifiable unicum and fail EnsureAuthenticated.
	VersionLegacy Version = 1

	// VersionV2 is the first authenticated (hash-verifiable) scheme.
	VersionV2 Version = 2

	// VersionV3 extends V2 with domain-separated unicum derivation.
	VersionV3 Version = 3
)

// versionInfo is the compatibility table for the closed version set.
var versionInfo = map[Version]struct {
	prefix        [prefixSize]byte
	authenticated bool
}{
	VersionLegacy: {prefix: [prefixSize]byte{0xca, 0x01}, authenticated: false},
	VersionV2:     {prefix: [prefixSize]byte{0xca, 0x02}, authenticated: true},
	VersionV3:     {prefix: [prefixSize]byte{0xca, 0x03}, authenticated: true},
}

// Known reports whether v is part of the closed version set.
func (v Version) Known() bool {
	_, ok := versionInfo[v]
	return ok
}

// Authenticated reports whether v is a hash-verifiable scheme.
func (v Version) Authenticated() bool {
	return versionInfo[v].authenticated
}

// AuthenticatedVersion is a Version proven to belong to an authenticated
// scheme by EnsureAuthenticated.
type AuthenticatedVersion Version

// EncodingError reports a component with the wrong byte length.
type EncodingError struct {
	Component string
	Got, Want int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("contract id %s: %d bytes, want %d", e.Component, e.Got, e.Want)
}

// UnknownVersionError reports a version prefix outside the closed set.
type UnknownVersionError struct {
	Prefix [prefixSize]byte
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("unknown contract id version prefix %x", e.Prefix)
}

// ErrMalformed is returned for raw bytes that cannot be a contract id of
// any known version.
var ErrMalformed = errors.New("malformed contract id")

// ErrUnauthenticatedContractID is returned for legacy non-hashed ids.
var ErrUnauthenticatedContractID = errors.New("unauthenticated contract id")

// ContractID uniquely identifies a contract instance forever. It is
// comparable and usable as a map key.
type ContractID struct {
	version       Version
	discriminator Hash
	unicum        Hash
}

// Encode builds a contract id from its components. Discriminator and
// unicum must be exactly HashSize bytes; the version must be known.
func Encode(discriminator, unicum []byte, version Version) (ContractID, error) {
	if !version.Known() {
		return ContractID{}, &UnknownVersionError{Prefix: [prefixSize]byte{0xca, byte(version)}}
	}
	d, err := HashFromBytes(discriminator)
	if err != nil {
		return ContractID{}, &EncodingError{Component: "discriminator", Got: len(discriminator), Want: HashSize}
	}
	u, err := HashFromBytes(unicum)
	if err != nil {
		return ContractID{}, &EncodingError{Component: "unicum", Got: len(unicum), Want: HashSize}
	}
	return ContractID{version: version, discriminator: d, unicum: u}, nil
}

// New builds a contract id from already-sized hashes.
func New(discriminator, unicum Hash, version Version) (ContractID, error) {
	if !version.Known() {
		return ContractID{}, &UnknownVersionError{Prefix: [prefixSize]byte{0xca, byte(version)}}
	}
	return ContractID{version: version, discriminator: discriminator, unicum: unicum}, nil
}

// Decode parses raw bytes into a contract id. The prefix must match a
// known version and the total length must be exact.
func Decode(raw []byte) (ContractID, error) {
	if len(raw) != EncodedSize {
		return ContractID{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformed, len(raw), EncodedSize)
	}
	var prefix [prefixSize]byte
	copy(prefix[:], raw[:prefixSize])
	version, ok := versionForPrefix(prefix)
	if !ok {
		return ContractID{}, &UnknownVersionError{Prefix: prefix}
	}
	var d, u Hash
	copy(d[:], raw[prefixSize:prefixSize+HashSize])
	copy(u[:], raw[prefixSize+HashSize:])
	return ContractID{version: version, discriminator: d, unicum: u}, nil
}

// DecodeString parses the hex form produced by String.
func DecodeString(s string) (ContractID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ContractID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Decode(raw)
}

func versionForPrefix(prefix [prefixSize]byte) (Version, bool) {
	for v, info := range versionInfo {
		if bytes.Equal(info.prefix[:], prefix[:]) {
			return v, true
		}
	}
	return 0, false
}

// EnsureAuthenticated checks that the id's version is a hash-verifiable
// scheme. Legacy ids fail with ErrUnauthenticatedContractID.
func EnsureAuthenticated(cid ContractID) (AuthenticatedVersion, error) {
	if !cid.version.Authenticated() {
		return 0, fmt.Errorf("%w: version %d", ErrUnauthenticatedContractID, cid.version)
	}
	return AuthenticatedVersion(cid.version), nil
}

// Version returns the id's scheme version.
func (c ContractID) Version() Version { return c.version }

// Discriminator returns the discriminator hash.
func (c ContractID) Discriminator() Hash { return c.discriminator }

// Unicum returns the unicum hash.
func (c ContractID) Unicum() Hash { return c.unicum }

// IsZero reports whether c is the zero value, which is never a valid id.
func (c ContractID) IsZero() bool { return c.version == 0 }

// Bytes returns the canonical encoded form. Decode(Bytes()) round-trips
// byte-for-byte.
func (c ContractID) Bytes() []byte {
	prefix := versionInfo[c.version].prefix
	out := make([]byte, 0, EncodedSize)
	out = append(out, prefix[:]...)
	out = append(out, c.discriminator[:]...)
	out = append(out, c.unicum[:]...)
	return out
}

// String returns the lowercase hex encoding of Bytes.
func (c ContractID) String() string { return hex.EncodeToString(c.Bytes()) }

// MarshalText implements encoding.TextMarshaler.
func (c ContractID) MarshalText() ([]byte, error) {
	if !c.version.Known() {
		return nil, fmt.Errorf("%w: zero contract id", ErrMalformed)
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ContractID) UnmarshalText(text []byte) error {
	parsed, err := DecodeString(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
