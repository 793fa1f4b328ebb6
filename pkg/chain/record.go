// Package chain builds and verifies hash-chained audit records.
//
// Each record commits to its event type, payload and the hash of the record
// before it. The hash input is the RFC 8785 serialization produced by
// canonicalize.Envelope; id, created_at, chain id and sequence number never
// participate in hashing.
//
// Builder and Verify are pure. Reading the chain tail, persisting records and
// serializing concurrent appends is the job of a store (see package store).
package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
)

var (
	// ErrInvalidInput rejects an append before any hash is computed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMalformedInput marks a stored record that cannot be canonically
	// serialized. It signals corrupt storage, not tampering.
	ErrMalformedInput = errors.New("malformed input")
)

// Record is a single immutable entry in a chain.
type Record struct {
	ID        string `json:"id"`
	ChainID   string `json:"chain_id,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	EventType string `json:"event_type"`
	// Payload holds the canonical JSON of the payload value.
	Payload   json.RawMessage `json:"payload"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Value decodes the stored payload.
func (r Record) Value() (canonicalize.Value, error) {
	v, err := canonicalize.Parse(r.Payload)
	if err != nil {
		return canonicalize.Value{}, fmt.Errorf("record %s payload: %w", r.ID, err)
	}
	return v, nil
}

// Clone returns a copy of r that shares no memory with it.
func (r Record) Clone() Record {
	r.Payload = bytes.Clone(r.Payload)
	return r
}

// CloneAll clones every record of records.
func CloneAll(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// IsGenesis reports whether r has no predecessor.
func (r Record) IsGenesis() bool { return r.PrevHash == "" }

// MalformedRecordError reports the position of a record that could not be
// canonically serialized during verification.
type MalformedRecordError struct {
	Position int
	RecordID string
	Err      error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record at position %d (id %q): %v", e.Position, e.RecordID, e.Err)
}

func (e *MalformedRecordError) Unwrap() []error {
	return []error{ErrMalformedInput, e.Err}
}

// ComputeHash returns the lowercase hex SHA-256 of the canonical envelope
// {"event_type", "payload", "prev_hash"}. An empty prevHash hashes as null.
func ComputeHash(eventType string, payload canonicalize.Value, prevHash string) (string, error) {
	b, err := canonicalize.Envelope(eventType, payload, prevHash)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(b), nil
}

// Tail returns the last record of an ordered slice.
func Tail(records []Record) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	return records[len(records)-1], true
}
