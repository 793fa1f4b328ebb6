// Package store defines how hash chains are persisted.
//
// A ChainStore owns record ordering. Append is an optimistic compare-and-append
// on prev_hash: it succeeds only when the record links to the current tail of
// its chain, so concurrent writers can never fork a chain. The store assigns
// the sequence number.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Antoniskp/apofasifast/pkg/chain"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("chain tail changed")
	ErrDuplicateID = errors.New("record id already exists")
)

// ChainStore persists records for any number of chains.
type ChainStore interface {
	// Tail returns the last record of chainID, or false for an empty chain.
	Tail(ctx context.Context, chainID string) (chain.Record, bool, error)
	// Append persists rec if rec.PrevHash equals the current tail hash of
	// rec.ChainID (empty for an empty chain). It returns the stored record with
	// Seq assigned, or ErrConflict without writing anything.
	Append(ctx context.Context, rec chain.Record) (chain.Record, error)
	// List returns every record of chainID in ascending sequence order.
	List(ctx context.Context, chainID string) ([]chain.Record, error)
	// Get returns a record by id.
	Get(ctx context.Context, id string) (chain.Record, error)
}

// Querier is implemented by stores that can filter records.
type Querier interface {
	Query(ctx context.Context, chainID string, filter QueryFilter) ([]chain.Record, error)
}

// QueryFilter defines filtering criteria for queries.
type QueryFilter struct {
	EventType  string
	StartTime  *time.Time
	EndTime    *time.Time
	StartSeq   uint64
	EndSeq     uint64
	MaxResults int
}

// Matches reports whether r satisfies every criterion set in f.
func (f QueryFilter) Matches(r chain.Record) bool {
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.StartTime != nil && r.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && r.CreatedAt.After(*f.EndTime) {
		return false
	}
	if f.StartSeq > 0 && r.Seq < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && r.Seq > f.EndSeq {
		return false
	}
	return true
}

// Filter applies f to records already in sequence order.
func Filter(records []chain.Record, f QueryFilter) []chain.Record {
	out := make([]chain.Record, 0)
	for _, r := range records {
		if !f.Matches(r) {
			continue
		}
		out = append(out, r)
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

// ValidateRecord rejects records a store must never persist.
func ValidateRecord(rec chain.Record) error {
	switch {
	case rec.ChainID == "":
		return fmt.Errorf("%w: chain id is required", chain.ErrInvalidInput)
	case rec.ID == "":
		return fmt.Errorf("%w: record id is required", chain.ErrInvalidInput)
	case rec.Hash == "":
		return fmt.Errorf("%w: record hash is required", chain.ErrInvalidInput)
	case rec.EventType == "":
		return fmt.Errorf("%w: event type is required", chain.ErrInvalidInput)
	case len(rec.Payload) == 0:
		return fmt.Errorf("%w: payload is required", chain.ErrInvalidInput)
	}
	return nil
}

// NextSeq checks that rec links to tail and returns the sequence number to
// assign. hasTail is false for an empty chain.
func NextSeq(tail chain.Record, hasTail bool, rec chain.Record) (uint64, error) {
	want := ""
	if hasTail {
		want = tail.Hash
	}
	if rec.PrevHash != want {
		return 0, fmt.Errorf("%w: chain %q tail is %q but record links to %q", ErrConflict, rec.ChainID, want, rec.PrevHash)
	}
	if !hasTail {
		return 1, nil
	}
	return tail.Seq + 1, nil
}
