//go:build property
// +build property

package chain

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
)

func genPayload() gopter.Gen {
	return gen.MapOf(gen.Identifier(), gen.Float64Range(-1e9, 1e9)).Map(func(m map[string]float64) canonicalize.Value {
		out := make(map[string]canonicalize.Value, len(m))
		for k, f := range m {
			out[k] = canonicalize.Number(f)
		}
		return canonicalize.Map(out)
	})
}

func appendAll(payloads []canonicalize.Value) ([]Record, error) {
	b := NewBuilder()
	recs := make([]Record, 0, len(payloads))
	prev := ""
	for i, p := range payloads {
		rec, err := b.Append("PROP_EVENT", p, prev)
		if err != nil {
			return nil, err
		}
		rec.Seq = uint64(i + 1)
		recs = append(recs, rec)
		prev = rec.Hash
	}
	return recs, nil
}

// TestChainProperties checks determinism, validity of sequentially built chains
// and positional tamper detection.
func TestChainProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("hash is deterministic", prop.ForAll(
		func(eventType string, payload canonicalize.Value) bool {
			h1, err1 := ComputeHash(eventType, payload, "")
			h2, err2 := ComputeHash(eventType, payload, "")
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.Identifier(),
		genPayload(),
	))

	properties.Property("sequentially built chains verify", prop.ForAll(
		func(payloads []canonicalize.Value) bool {
			recs, err := appendAll(payloads)
			if err != nil {
				return false
			}
			res, err := Verify(recs, WithSequenceCheck())
			return err == nil && res.Valid
		},
		gen.SliceOf(genPayload()),
	))

	properties.Property("payload tamper is located", prop.ForAll(
		func(payloads []canonicalize.Value, pick int) bool {
			if len(payloads) < 2 {
				return true
			}
			recs, err := appendAll(payloads)
			if err != nil {
				return false
			}
			pos := pick % len(recs)
			recs[pos].Payload = json.RawMessage(`{"__tampered__":true}`)
			res, err := Verify(recs)
			return err == nil && !res.Valid && res.Position == pos
		},
		gen.SliceOf(genPayload()),
		gen.IntRange(0, 1000),
	))

	properties.Property("first record has no predecessor", prop.ForAll(
		func(payloads []canonicalize.Value) bool {
			recs, err := appendAll(payloads)
			if err != nil {
				return false
			}
			return len(recs) == 0 || recs[0].PrevHash == ""
		},
		gen.SliceOf(genPayload()),
	))

	properties.TestingRun(t)
}
