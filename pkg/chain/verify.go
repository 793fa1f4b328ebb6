package chain

import (
	"fmt"
	"strconv"
)

// Reason explains why verification stopped.
type Reason string

const (
	ReasonHashMismatch     Reason = "hash_mismatch"
	ReasonPrevHashMismatch Reason = "prev_hash_mismatch"
	ReasonSequenceGap      Reason = "sequence_gap"
)

// Result is the outcome of Verify. Tampering is a normal result, not an error.
type Result struct {
	Valid bool `json:"valid"`
	// Position is the zero-based index of the first failing record, -1 when valid.
	Position int    `json:"position"`
	Reason   Reason `json:"reason,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func (r Result) String() string {
	if r.Valid {
		return "valid"
	}
	return fmt.Sprintf("invalid at position %d: %s (expected %q, got %q)", r.Position, r.Reason, r.Expected, r.Actual)
}

// ValidResult is returned for a consistent chain, including the empty chain.
var ValidResult = Result{Valid: true, Position: -1}

// VerifyOption configures Verify.
type VerifyOption func(*verifyConfig)

type verifyConfig struct {
	checkSequence bool
}

// WithSequenceCheck also requires Seq to increase by exactly one from the
// first record. It catches gaps a store would otherwise hide.
func WithSequenceCheck() VerifyOption {
	return func(c *verifyConfig) { c.checkSequence = true }
}

// Verify walks records once, front to back, in the order given. It recomputes
// each hash from the stored payload and the expected predecessor and reports
// the first record whose hash or prev_hash disagrees.
//
// A *MalformedRecordError is returned when a stored payload cannot be
// canonically serialized.
func Verify(records []Record, opts ...VerifyOption) (Result, error) {
	var cfg verifyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	expectedPrev := ""
	for i, rec := range records {
		payload, err := rec.Value()
		if err != nil {
			return Result{}, &MalformedRecordError{Position: i, RecordID: rec.ID, Err: err}
		}
		computed, err := ComputeHash(rec.EventType, payload, expectedPrev)
		if err != nil {
			return Result{}, &MalformedRecordError{Position: i, RecordID: rec.ID, Err: err}
		}

		if cfg.checkSequence && i > 0 {
			want := records[0].Seq + uint64(i)
			if rec.Seq != want {
				return Result{
					Position: i,
					Reason:   ReasonSequenceGap,
					Expected: strconv.FormatUint(want, 10),
					Actual:   strconv.FormatUint(rec.Seq, 10),
				}, nil
			}
		}

		if rec.PrevHash != expectedPrev {
			return Result{
				Position: i,
				Reason:   ReasonPrevHashMismatch,
				Expected: expectedPrev,
				Actual:   rec.PrevHash,
			}, nil
		}
		if rec.Hash != computed {
			return Result{
				Position: i,
				Reason:   ReasonHashMismatch,
				Expected: computed,
				Actual:   rec.Hash,
			}, nil
		}

		expectedPrev = rec.Hash
	}

	return ValidResult, nil
}
