// Package archivereplay provides the storage and retrieval engine for
// web-archive replay: page and resource metadata, content-addressed payload
// deduplication, and timestamp-nearest lookup.
package archivereplay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm identifies the hash algorithm used in a digest.
type Algorithm string

const (
	AlgSHA256 Algorithm = "sha-256"
	AlgBLAKE3 Algorithm = "blake3"
)

// ErrUnsupportedAlgorithm is returned for digest algorithms the engine
// does not implement.
var ErrUnsupportedAlgorithm = fmt.Errorf("unsupported digest algorithm")

// Digest is an algorithm-tagged content hash in the canonical form
// "algorithm:lowercase-hex". The zero value means "no digest" (inline
// payload).
type Digest struct {
	Alg Algorithm
	Hex string
}

// DigestBytes computes the digest of payload using the given algorithm.
func DigestBytes(alg Algorithm, payload []byte) (Digest, error) {
	switch alg {
	case AlgSHA256:
		sum := sha256.Sum256(payload)
		return Digest{Alg: alg, Hex: hex.EncodeToString(sum[:])}, nil
	case AlgBLAKE3:
		sum := blake3.Sum256(payload)
		return Digest{Alg: alg, Hex: hex.EncodeToString(sum[:])}, nil
	default:
		return Digest{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// ParseDigest parses a digest string in the form "algorithm:hex".
// The algorithm tag is case-insensitive and normalised to lowercase.
func ParseDigest(s string) (Digest, error) {
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest")
	}

	algoStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		return Digest{}, fmt.Errorf("digest %q missing algorithm tag", s)
	}

	alg := Algorithm(strings.ToLower(algoStr))
	switch alg {
	case AlgSHA256, AlgBLAKE3:
	default:
		return Digest{}, fmt.Errorf("%w: %q in digest %q", ErrUnsupportedAlgorithm, algoStr, s)
	}

	hexStr = strings.ToLower(hexStr)
	if _, err := hex.DecodeString(hexStr); err != nil || hexStr == "" {
		return Digest{}, fmt.Errorf("invalid hex in digest %q", s)
	}

	return Digest{Alg: alg, Hex: hexStr}, nil
}

// String returns the canonical string form "algorithm:hex".
func (d Digest) String() string {
	return string(d.Alg) + ":" + d.Hex
}

// IsZero returns true if the digest is unset.
func (d Digest) IsZero() bool {
	return d.Alg == "" && d.Hex == ""
}

// ShortString returns a shortened form for display.
func (d Digest) ShortString() string {
	if len(d.Hex) <= 16 {
		return d.String()
	}
	return string(d.Alg) + ":" + d.Hex[:16]
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return nil, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
