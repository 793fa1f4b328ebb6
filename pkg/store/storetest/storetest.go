// Package storetest is a conformance suite shared by ChainStore implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/store"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) store.ChainStore

// Builder returns a chain builder whose timestamps survive a round trip
// through any backend (microsecond precision, UTC).
func Builder() *chain.Builder {
	return chain.NewBuilder(chain.WithClock(func() time.Time {
		return time.Now().UTC().Truncate(time.Microsecond)
	}))
}

// Ballot is a small payload used across the suite.
func Ballot(voter string, n int) canonicalize.Value {
	return canonicalize.Map(map[string]canonicalize.Value{
		"voter": canonicalize.String(voter),
		"n":     canonicalize.Number(float64(n)),
	})
}

// AppendNext builds a record on the current tail of chainID and appends it.
func AppendNext(ctx context.Context, s store.ChainStore, b *chain.Builder, chainID string, payload canonicalize.Value) (chain.Record, error) {
	tail, ok, err := s.Tail(ctx, chainID)
	if err != nil {
		return chain.Record{}, err
	}
	prev := ""
	if ok {
		prev = tail.Hash
	}
	rec, err := b.Append("VOTE_CAST", payload, prev)
	if err != nil {
		return chain.Record{}, err
	}
	rec.ChainID = chainID
	return s.Append(ctx, rec)
}

// Run exercises the ChainStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyChain", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, ok, err := s.Tail(ctx, "empty")
		require.NoError(t, err)
		assert.False(t, ok)

		recs, err := s.List(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, recs)

		res, err := chain.Verify(recs)
		require.NoError(t, err)
		assert.True(t, res.Valid)
	})

	t.Run("AppendAssignsSeq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := Builder()

		var last chain.Record
		for i := 1; i <= 3; i++ {
			rec, err := AppendNext(ctx, s, b, "c1", Ballot("v", i))
			require.NoError(t, err)
			assert.Equal(t, uint64(i), rec.Seq)
			last = rec
		}

		tail, ok, err := s.Tail(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, last.Hash, tail.Hash)
		assert.Equal(t, uint64(3), tail.Seq)
	})

	t.Run("ListVerifies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := Builder()

		for i := 0; i < 5; i++ {
			_, err := AppendNext(ctx, s, b, "c1", Ballot(fmt.Sprintf("v%d", i), i))
			require.NoError(t, err)
		}

		recs, err := s.List(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, recs, 5)
		assert.Empty(t, recs[0].PrevHash)
		for i, r := range recs {
			assert.Equal(t, uint64(i+1), r.Seq)
			assert.Equal(t, "c1", r.ChainID)
		}

		res, err := chain.Verify(recs, chain.WithSequenceCheck())
		require.NoError(t, err)
		assert.True(t, res.Valid, res.String())
	})

	t.Run("StaleTailConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := Builder()

		first, err := AppendNext(ctx, s, b, "c1", Ballot("a", 1))
		require.NoError(t, err)
		_, err = AppendNext(ctx, s, b, "c1", Ballot("b", 2))
		require.NoError(t, err)

		stale, err := b.Append("VOTE_CAST", Ballot("c", 3), first.Hash)
		require.NoError(t, err)
		stale.ChainID = "c1"
		_, err = s.Append(ctx, stale)
		require.ErrorIs(t, err, store.ErrConflict)

		recs, err := s.List(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, recs, 2, "a rejected append writes nothing")
	})

	t.Run("SecondGenesisConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := Builder()

		_, err := AppendNext(ctx, s, b, "c1", Ballot("a", 1))
		require.NoError(t, err)

		genesis, err := b.Append("VOTE_CAST", Ballot("b", 2), "")
		require.NoError(t, err)
		genesis.ChainID = "c1"
		_, err = s.Append(ctx, genesis)
		require.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := Builder()

		first, err := AppendNext(ctx, s, b, "c1", Ballot("a", 1))
		require.NoError(t, err)

		dup, err := b.Append("VOTE_CAST", Ballot("b", 2), first.Hash)
		require.NoError(t, err)
		dup.ID = first.ID
		dup.ChainID = "c1"
		_, err = s.Append(ctx, dup)
		require.ErrorIs(t, err, store.ErrDuplicateID)
	})

	t.Run("RejectsIncompleteRecord", func(t *testing.T) {
		s := newStore(t)
		rec, err := Builder().Append("VOTE_CAST", Ballot("a", 1), "")
		require.NoError(t, err)

		_, err = s.Append(context.Background(), rec)
		require.ErrorIs(t, err, chain.ErrInvalidInput, "chain id is required")
	})

	t.Run("ChainsAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := Builder()

		a1, err := AppendNext(ctx, s, b, "alpha", Ballot("a", 1))
		require.NoError(t, err)
		b1, err := AppendNext(ctx, s, b, "beta", Ballot("a", 1))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), a1.Seq)
		assert.Equal(t, uint64(1), b1.Seq)
		assert.Equal(t, a1.Hash, b1.Hash, "same content hashes the same on any chain")

		_, err = AppendNext(ctx, s, b, "alpha", Ballot("a", 2))
		require.NoError(t, err)

		alpha, err := s.List(ctx, "alpha")
		require.NoError(t, err)
		beta, err := s.List(ctx, "beta")
		require.NoError(t, err)
		assert.Len(t, alpha, 2)
		assert.Len(t, beta, 1)
	})

	t.Run("GetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := Builder()

		first, err := AppendNext(ctx, s, b, "c1", Ballot("a", 1))
		require.NoError(t, err)
		second, err := AppendNext(ctx, s, b, "c1", Ballot("b", 2))
		require.NoError(t, err)

		got, err := s.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
		assert.Equal(t, "c1", got.ChainID)
		assert.Equal(t, uint64(2), got.Seq)
		assert.Equal(t, second.EventType, got.EventType)
		assert.JSONEq(t, string(second.Payload), string(got.Payload))
		assert.Equal(t, second.Hash, got.Hash)
		assert.Equal(t, first.Hash, got.PrevHash)
		assert.True(t, second.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", second.CreatedAt, got.CreatedAt)

		_, err = s.Get(ctx, "does-not-exist")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ConcurrentAppendsLinearize", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := Builder()

		const writers, perWriter = 4, 5
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; {
					_, err := AppendNext(ctx, s, b, "shared", Ballot(fmt.Sprintf("w%d", w), i))
					if errors.Is(err, store.ErrConflict) {
						continue
					}
					if err != nil {
						errs <- err
						return
					}
					i++
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		recs, err := s.List(ctx, "shared")
		require.NoError(t, err)
		require.Len(t, recs, writers*perWriter)

		res, err := chain.Verify(recs, chain.WithSequenceCheck())
		require.NoError(t, err)
		assert.True(t, res.Valid, res.String())
	})

	t.Run("Query", func(t *testing.T) {
		s := newStore(t)
		q, ok := s.(store.Querier)
		if !ok {
			t.Skip("store does not implement Querier")
		}
		ctx := context.Background()
		b := Builder()

		for i := 0; i < 4; i++ {
			_, err := AppendNext(ctx, s, b, "c1", Ballot("v", i))
			require.NoError(t, err)
		}

		recs, err := q.Query(ctx, "c1", store.QueryFilter{StartSeq: 2, EndSeq: 3})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, uint64(2), recs[0].Seq)

		recs, err = q.Query(ctx, "c1", store.QueryFilter{MaxResults: 1})
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		recs, err = q.Query(ctx, "c1", store.QueryFilter{EventType: "OTHER"})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := Builder()

		appended, err := AppendNext(ctx, s, b, "c1", Ballot("A", 1))
		require.NoError(t, err)
		want := string(appended.Payload)
		overwrite := func(payload []byte) {
			for i := range payload {
				payload[i] = 'X'
			}
		}
		overwrite(appended.Payload)

		listed, err := s.List(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, listed, 1)
		overwrite(listed[0].Payload)

		tail, ok, err := s.Tail(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		overwrite(tail.Payload)

		got, err := s.Get(ctx, appended.ID)
		require.NoError(t, err)
		assert.Equal(t, want, string(got.Payload))
		overwrite(got.Payload)

		again, err := s.List(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, want, string(again[0].Payload))

		res, err := chain.Verify(again)
		require.NoError(t, err)
		assert.True(t, res.Valid, res.String())
	})
}
