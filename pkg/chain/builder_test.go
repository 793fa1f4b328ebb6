package chain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
)

const (
	hashVoterA = "f21de38badcb743505fad15f3e21a44526e9f7819801c955dcec6ff7aa7c2f90"
	hashVoterB = "d9ef5385c676495d34aa4c26c00e0001bf3343daf0297681126a3f6319f7dc5b"
)

func vote(voter string) canonicalize.Value {
	return canonicalize.Map(map[string]canonicalize.Value{"voter": canonicalize.String(voter)})
}

func fixedBuilder() *Builder {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	return NewBuilder(
		WithClock(func() time.Time {
			ts = ts.Add(time.Second)
			return ts
		}),
		WithIDGenerator(func() string {
			n++
			return "rec-" + string(rune('0'+n))
		}),
	)
}

func TestBuilder_Append_Genesis(t *testing.T) {
	b := fixedBuilder()

	rec, err := b.Append("VOTE_CAST", vote("A"), "")
	require.NoError(t, err)

	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "VOTE_CAST", rec.EventType)
	assert.JSONEq(t, `{"voter":"A"}`, string(rec.Payload))
	assert.Empty(t, rec.PrevHash)
	assert.True(t, rec.IsGenesis())
	assert.Equal(t, hashVoterA, rec.Hash)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC), rec.CreatedAt)
}

func TestBuilder_Append_Linked(t *testing.T) {
	b := fixedBuilder()

	r1, err := b.Append("VOTE_CAST", vote("A"), "")
	require.NoError(t, err)
	r2, err := b.Append("VOTE_CAST", vote("B"), r1.Hash)
	require.NoError(t, err)

	assert.Equal(t, hashVoterA, r2.PrevHash)
	assert.Equal(t, hashVoterB, r2.Hash)
	assert.True(t, r2.CreatedAt.After(r1.CreatedAt))
}

func TestBuilder_Append_Deterministic(t *testing.T) {
	payload := canonicalize.Map(map[string]canonicalize.Value{
		"nested": canonicalize.List(canonicalize.Number(1.5), canonicalize.Null()),
		"flag":   canonicalize.Bool(false),
	})
	r1, err := NewBuilder().Append("E", payload, "abc")
	require.NoError(t, err)
	r2, err := NewBuilder().Append("E", payload, "abc")
	require.NoError(t, err)

	assert.Equal(t, r1.Hash, r2.Hash)
	assert.Equal(t, r1.Payload, r2.Payload)
	assert.NotEqual(t, r1.ID, r2.ID, "ids are fresh per record")
}

func TestBuilder_Append_HashIgnoresIDAndTime(t *testing.T) {
	r1, err := fixedBuilder().Append("VOTE_CAST", vote("A"), "")
	require.NoError(t, err)
	r2, err := NewBuilder().Append("VOTE_CAST", vote("A"), "")
	require.NoError(t, err)
	assert.Equal(t, r1.Hash, r2.Hash)
}

func TestBuilder_Append_InvalidInput(t *testing.T) {
	b := NewBuilder()

	tests := []struct {
		name      string
		eventType string
		payload   canonicalize.Value
	}{
		{"empty event type", "", vote("A")},
		{"blank event type", "  \t", vote("A")},
		{"nan payload", "E", canonicalize.Number(math.NaN())},
		{"inf nested", "E", canonicalize.List(canonicalize.Number(math.Inf(1)))},
		{"invalid utf8", "E", canonicalize.String(string([]byte{0xff}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := b.Append(tt.eventType, tt.payload, "")
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Empty(t, rec.Hash)
		})
	}
}

func TestComputeHash_MatchesBuilder(t *testing.T) {
	h, err := ComputeHash("VOTE_CAST", vote("B"), hashVoterA)
	require.NoError(t, err)
	assert.Equal(t, hashVoterB, h)
}

func TestTail(t *testing.T) {
	_, ok := Tail(nil)
	assert.False(t, ok)

	recs := buildChain(t, 3)
	last, ok := Tail(recs)
	require.True(t, ok)
	assert.Equal(t, recs[2].Hash, last.Hash)
}
