package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/time/rate"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/eventschema"
	"github.com/Antoniskp/apofasifast/pkg/observability"
	"github.com/Antoniskp/apofasifast/pkg/store"
	"github.com/Antoniskp/apofasifast/pkg/store/memory"
)

const (
	hashVoterA = "f21de38badcb743505fad15f3e21a44526e9f7819801c955dcec6ff7aa7c2f90"
	hashVoterB = "d9ef5385c676495d34aa4c26c00e0001bf3343daf0297681126a3f6319f7dc5b"
)

func vote(voter string) canonicalize.Value {
	return canonicalize.Map(map[string]canonicalize.Value{"voter": canonicalize.String(voter)})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// flakyStore reports a moved tail for the first n appends.
type flakyStore struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
	tails     int
	appends   int
}

func (f *flakyStore) Tail(ctx context.Context, chainID string) (chain.Record, bool, error) {
	f.mu.Lock()
	f.tails++
	f.mu.Unlock()
	return f.Store.Tail(ctx, chainID)
}

func (f *flakyStore) Append(ctx context.Context, rec chain.Record) (chain.Record, error) {
	f.mu.Lock()
	f.appends++
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return chain.Record{}, store.ErrConflict
	}
	f.mu.Unlock()
	return f.Store.Append(ctx, rec)
}

// fixedStore serves a canned chain.
type fixedStore struct {
	records []chain.Record
}

func (f *fixedStore) Tail(context.Context, string) (chain.Record, bool, error) {
	rec, ok := chain.Tail(f.records)
	return rec, ok, nil
}

func (f *fixedStore) Append(context.Context, chain.Record) (chain.Record, error) {
	return chain.Record{}, errors.New("read only")
}

func (f *fixedStore) List(context.Context, string) ([]chain.Record, error) {
	out := make([]chain.Record, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fixedStore) Get(context.Context, string) (chain.Record, error) {
	return chain.Record{}, store.ErrNotFound
}

func TestService_AppendLinksRecords(t *testing.T) {
	svc := NewService(memory.New(), WithLogger(quietLogger()))
	ctx := context.Background()

	r1, err := svc.Append(ctx, "votes", "VOTE_CAST", vote("A"))
	require.NoError(t, err)
	r2, err := svc.Append(ctx, "votes", "VOTE_CAST", vote("B"))
	require.NoError(t, err)

	assert.Equal(t, hashVoterA, r1.Hash)
	assert.Empty(t, r1.PrevHash)
	assert.Equal(t, uint64(1), r1.Seq)
	assert.Equal(t, hashVoterB, r2.Hash)
	assert.Equal(t, r1.Hash, r2.PrevHash)
	assert.Equal(t, uint64(2), r2.Seq)
	assert.Equal(t, "votes", r2.ChainID)

	head, ok, err := svc.Head(ctx, "votes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r2.Hash, head.Hash)

	rep, err := svc.Verify(ctx, "votes")
	require.NoError(t, err)
	assert.True(t, rep.Result.Valid)
	assert.Equal(t, 2, rep.Length)
	assert.Equal(t, r2.Hash, rep.Head)
}

func TestService_DefaultChain(t *testing.T) {
	st := memory.New()
	svc := NewService(st, WithLogger(quietLogger()))
	ctx := context.Background()

	rec, err := svc.Append(ctx, "", "VOTE_CAST", vote("A"))
	require.NoError(t, err)
	assert.Equal(t, DefaultChainID, rec.ChainID)
	assert.Equal(t, 1, st.Size(DefaultChainID))

	_, err = svc.Append(ctx, "   ", "VOTE_CAST", vote("A"))
	require.ErrorIs(t, err, chain.ErrInvalidInput)
}

func TestService_RetriesConflicts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	telemetry, err := observability.NewWithMeterProvider(mp)
	require.NoError(t, err)

	st := &flakyStore{Store: memory.New(), conflicts: 2}
	svc := NewService(st,
		WithLogger(quietLogger()),
		WithTelemetry(telemetry),
		WithRetry(5),
		WithRetryInterval(time.Millisecond),
	)

	rec, err := svc.Append(context.Background(), "votes", "VOTE_CAST", vote("A"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Equal(t, 3, st.appends)
	assert.Equal(t, 3, st.tails, "every attempt rereads the tail")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					counts[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), counts["apofasi.append_conflicts.total"])
	assert.Equal(t, int64(1), counts["apofasi.appends.total"])
}

func TestService_GivesUpAfterMaxTries(t *testing.T) {
	st := &flakyStore{Store: memory.New(), conflicts: 100}
	svc := NewService(st, WithLogger(quietLogger()), WithRetry(3), WithRetryInterval(time.Millisecond))

	_, err := svc.Append(context.Background(), "votes", "VOTE_CAST", vote("A"))
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 3, st.appends)
	assert.Equal(t, 0, st.Store.Size("votes"))
}

func TestService_InvalidInputIsNotRetried(t *testing.T) {
	st := &flakyStore{Store: memory.New()}
	svc := NewService(st, WithLogger(quietLogger()), WithRetry(5))

	_, err := svc.Append(context.Background(), "votes", " ", vote("A"))
	require.ErrorIs(t, err, chain.ErrInvalidInput)
	assert.Equal(t, 1, st.tails)
	assert.Equal(t, 0, st.appends)
}

func TestService_SchemaRejection(t *testing.T) {
	schemas := eventschema.NewRegistry()
	require.NoError(t, schemas.Register("VOTE_CAST", `{"type":"object","required":["voter"]}`))

	st := memory.New()
	svc := NewService(st, WithLogger(quietLogger()), WithSchemas(schemas))
	ctx := context.Background()

	_, err := svc.Append(ctx, "votes", "VOTE_CAST", canonicalize.Map(nil))
	require.ErrorIs(t, err, chain.ErrInvalidInput)
	assert.Equal(t, 0, st.Size("votes"))

	_, err = svc.Append(ctx, "votes", "VOTE_CAST", vote("A"))
	require.NoError(t, err)
}

func TestService_ConcurrentAppends(t *testing.T) {
	st := memory.New()
	svc := NewService(st,
		WithLogger(quietLogger()),
		WithRetry(200),
		WithRetryInterval(time.Millisecond),
		WithSequenceCheck(),
	)
	ctx := context.Background()

	const writers, each = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				payload := canonicalize.Map(map[string]canonicalize.Value{
					"writer": canonicalize.Number(float64(w)),
					"n":      canonicalize.Number(float64(i)),
				})
				if _, err := svc.Append(ctx, "votes", "VOTE_CAST", payload); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append failed: %v", err)
	}

	rep, err := svc.Verify(ctx, "votes")
	require.NoError(t, err)
	assert.True(t, rep.Result.Valid, rep.Result.String())
	assert.Equal(t, writers*each, rep.Length)
}

func TestService_CreatedAtNeverGoesBackwards(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		ts = ts.Add(-time.Minute)
		return ts
	}
	svc := NewService(memory.New(),
		WithLogger(quietLogger()),
		WithBuilder(chain.NewBuilder(chain.WithClock(clock))),
	)
	ctx := context.Background()

	r1, err := svc.Append(ctx, "votes", "VOTE_CAST", vote("A"))
	require.NoError(t, err)
	r2, err := svc.Append(ctx, "votes", "VOTE_CAST", vote("B"))
	require.NoError(t, err)

	assert.False(t, r2.CreatedAt.Before(r1.CreatedAt))
	assert.Equal(t, hashVoterB, r2.Hash, "clamping does not touch the hash")
}

func TestService_RateLimit(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	svc := NewService(memory.New(), WithLogger(quietLogger()), WithRateLimit(limiter))

	_, err := svc.Append(context.Background(), "votes", "VOTE_CAST", vote("A"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = svc.Append(ctx, "votes", "VOTE_CAST", vote("B"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, chain.ErrInvalidInput)
}

func buildRecords(t *testing.T, voters ...string) []chain.Record {
	t.Helper()
	b := chain.NewBuilder()
	var out []chain.Record
	prev := ""
	for i, v := range voters {
		rec, err := b.Append("VOTE_CAST", vote(v), prev)
		require.NoError(t, err)
		rec.ChainID = "votes"
		rec.Seq = uint64(i + 1)
		out = append(out, rec)
		prev = rec.Hash
	}
	return out
}

func TestService_VerifyRaisesIntegrityAlert(t *testing.T) {
	records := buildRecords(t, "A", "B", "C")
	records[1].Payload = json.RawMessage(`{"voter":"X"}`)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	svc := NewService(&fixedStore{records: records}, WithLogger(logger))

	rep, err := svc.Verify(context.Background(), "votes")
	require.NoError(t, err)
	assert.False(t, rep.Result.Valid)
	assert.Equal(t, 1, rep.Result.Position)
	assert.Equal(t, chain.ReasonHashMismatch, rep.Result.Reason)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "votes", entry["chain_id"])
	assert.Equal(t, float64(1), entry["position"])
	assert.Equal(t, records[1].ID, entry["record_id"])
	assert.Equal(t, "auditlog", entry["component"])
}

func TestService_VerifyMalformed(t *testing.T) {
	records := buildRecords(t, "A", "B")
	records[1].Payload = json.RawMessage(`{broken`)

	svc := NewService(&fixedStore{records: records}, WithLogger(quietLogger()))
	_, err := svc.Verify(context.Background(), "votes")
	require.ErrorIs(t, err, chain.ErrMalformedInput)

	var malformed *chain.MalformedRecordError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, 1, malformed.Position)
}

func TestService_VerifyEmpty(t *testing.T) {
	svc := NewService(memory.New(), WithLogger(quietLogger()))
	rep, err := svc.Verify(context.Background(), "nothing")
	require.NoError(t, err)
	assert.True(t, rep.Result.Valid)
	assert.Equal(t, 0, rep.Length)
	assert.Empty(t, rep.Head)
}

func TestService_Query(t *testing.T) {
	ctx := context.Background()

	native := NewService(memory.New(), WithLogger(quietLogger()))
	fallback := NewService(&fixedStore{records: buildRecords(t, "A", "B", "C")}, WithLogger(quietLogger()))
	for _, v := range []string{"A", "B", "C"} {
		_, err := native.Append(ctx, "votes", "VOTE_CAST", vote(v))
		require.NoError(t, err)
	}

	for name, svc := range map[string]*Service{"native": native, "fallback": fallback} {
		t.Run(name, func(t *testing.T) {
			recs, err := svc.Query(ctx, "votes", store.QueryFilter{StartSeq: 2})
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, uint64(2), recs[0].Seq)
		})
	}
}
