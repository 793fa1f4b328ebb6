// Package memory implements an in-process ChainStore with hash indexes and
// append notifications.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/store"
)

// Handler is called after a record is appended.
type Handler func(rec chain.Record)

// Store is an append-only in-memory chain store.
type Store struct {
	mu       sync.RWMutex
	chains   map[string][]chain.Record
	byID     map[string]chain.Record
	byHash   map[string]string
	handlers []Handler
}

var (
	_ store.ChainStore = (*Store)(nil)
	_ store.Querier    = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		chains: make(map[string][]chain.Record),
		byID:   make(map[string]chain.Record),
		byHash: make(map[string]string),
	}
}

// Tail returns the last record of chainID.
func (s *Store) Tail(_ context.Context, chainID string) (chain.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := chain.Tail(s.chains[chainID])
	return rec.Clone(), ok, nil
}

// Append adds rec if it links to the current tail of its chain.
func (s *Store) Append(ctx context.Context, rec chain.Record) (chain.Record, error) {
	if err := ctx.Err(); err != nil {
		return chain.Record{}, err
	}
	if err := store.ValidateRecord(rec); err != nil {
		return chain.Record{}, err
	}
	rec.Payload = bytes.Clone(rec.Payload)

	s.mu.Lock()
	if _, exists := s.byID[rec.ID]; exists {
		s.mu.Unlock()
		return chain.Record{}, fmt.Errorf("%w: %s", store.ErrDuplicateID, rec.ID)
	}
	tail, hasTail := chain.Tail(s.chains[rec.ChainID])
	seq, err := store.NextSeq(tail, hasTail, rec)
	if err != nil {
		s.mu.Unlock()
		return chain.Record{}, err
	}
	rec.Seq = seq
	s.chains[rec.ChainID] = append(s.chains[rec.ChainID], rec)
	s.byID[rec.ID] = rec
	s.byHash[rec.Hash] = rec.ID
	handlers := s.handlers
	s.mu.Unlock()

	for _, h := range handlers {
		h(rec.Clone())
	}
	return rec.Clone(), nil
}

// List returns a snapshot of chainID in sequence order.
func (s *Store) List(_ context.Context, chainID string) ([]chain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chain.CloneAll(s.chains[chainID]), nil
}

// Get retrieves a record by ID.
func (s *Store) Get(_ context.Context, id string) (chain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return chain.Record{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// GetByHash retrieves a record by its hash.
func (s *Store) GetByHash(_ context.Context, hash string) (chain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return chain.Record{}, store.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

// Query returns records of chainID matching the filter.
func (s *Store) Query(_ context.Context, chainID string, filter store.QueryFilter) ([]chain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chain.CloneAll(store.Filter(s.chains[chainID], filter)), nil
}

// AddHandler registers a handler for new records.
func (s *Store) AddHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Chains returns the ids of all non-empty chains, sorted.
func (s *Store) Chains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the number of records in chainID.
func (s *Store) Size(chainID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chains[chainID])
}
