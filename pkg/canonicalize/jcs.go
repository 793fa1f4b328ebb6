// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of audit events.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrUnsupported is returned for values that have no canonical JSON form.
var ErrUnsupported = errors.New("value cannot be canonically serialized")

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first encoded with encoding/json (so struct tags and Value.MarshalJSON
// apply) and the result is passed through the RFC 8785 transform:
//  1. Object members are sorted by the UTF-16 code units of their names.
//  2. Numbers use the ECMAScript shortest round-trip form.
//  3. Strings use the minimal RFC 8785 escaping (no HTML escaping).
//  4. No insignificant whitespace.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes raw JSON text.
func Transform(data []byte) ([]byte, error) {
	out, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("%w: jcs transform: %w", ErrUnsupported, err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns lowercase hex.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form as a string
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
