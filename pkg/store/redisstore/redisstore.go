// Package redisstore implements a ChainStore on Redis lists.
//
// Each chain is a list of JSON records plus a key holding the current tail
// hash. Appends run as a Lua script so the tail check and the push are atomic.
// A record's sequence number is its list position, so it is never stored.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/store"
)

// redisAppendScript performs a compare-and-append atomically in Redis.
// KEYS[1] = chain record list
// KEYS[2] = chain head (tail hash)
// KEYS[3] = id index (hash of id -> "seq:chain")
// ARGV[1] = record id
// ARGV[2] = expected tail hash ("" for an empty chain)
// ARGV[3] = record hash
// ARGV[4] = encoded record
// ARGV[5] = chain id
// Returns {status, seq}: 1 appended, 0 tail moved, -1 duplicate id.
var redisAppendScript = redis.NewScript(`
local list = KEYS[1]
local head = KEYS[2]
local ids = KEYS[3]

if redis.call("HEXISTS", ids, ARGV[1]) == 1 then
    return {-1, 0}
end

local current = redis.call("GET", head)
if not current then
    current = ""
end
if current ~= ARGV[2] then
    return {0, 0}
end

local seq = redis.call("RPUSH", list, ARGV[4])
redis.call("SET", head, ARGV[3])
redis.call("HSET", ids, ARGV[1], seq .. ":" .. ARGV[5])

return {1, seq}
`)

// Store implements store.ChainStore using Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ store.ChainStore = (*Store)(nil)
	_ store.Querier    = (*Store)(nil)
)

// NewStore creates a new store backed by a single Redis server.
func NewStore(addr string, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(rdb, "apofasi")
}

// NewWithClient uses an existing client. All keys start with prefix.
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "apofasi"
	}
	return &Store{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) listKey(chainID string) string { return s.prefix + ":chain:" + chainID + ":records" }
func (s *Store) headKey(chainID string) string { return s.prefix + ":chain:" + chainID + ":head" }
func (s *Store) idsKey() string                { return s.prefix + ":ids" }

// Tail returns the last record of chainID.
func (s *Store) Tail(ctx context.Context, chainID string) (chain.Record, bool, error) {
	var (
		llen *redis.IntCmd
		last *redis.StringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, s.listKey(chainID))
		last = pipe.LIndex(ctx, s.listKey(chainID), -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return chain.Record{}, false, fmt.Errorf("redis tail of %q: %w", chainID, err)
	}
	n := llen.Val()
	if n == 0 {
		return chain.Record{}, false, nil
	}
	rec, ok := decode(last.Val(), chainID, uint64(n))
	if !ok {
		return chain.Record{}, false, fmt.Errorf("%w: chain %q tail cannot be decoded", chain.ErrMalformedInput, chainID)
	}
	return rec, true, nil
}

// Append runs the compare-and-append script.
func (s *Store) Append(ctx context.Context, rec chain.Record) (chain.Record, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return chain.Record{}, err
	}

	stored := rec
	stored.Seq = 0
	stored.ChainID = ""
	encoded, err := json.Marshal(stored)
	if err != nil {
		return chain.Record{}, fmt.Errorf("encode record: %w", err)
	}

	keys := []string{s.listKey(rec.ChainID), s.headKey(rec.ChainID), s.idsKey()}
	res, err := redisAppendScript.Run(ctx, s.client, keys, rec.ID, rec.PrevHash, rec.Hash, string(encoded), rec.ChainID).Result()
	if err != nil {
		return chain.Record{}, fmt.Errorf("redis append error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return chain.Record{}, fmt.Errorf("invalid response from lua script")
	}
	status, _ := results[0].(int64)
	seq, _ := results[1].(int64)

	switch status {
	case 1:
		rec.Seq = uint64(seq)
		return rec, nil
	case 0:
		return chain.Record{}, fmt.Errorf("%w: chain %q moved past %q", store.ErrConflict, rec.ChainID, rec.PrevHash)
	default:
		return chain.Record{}, fmt.Errorf("%w: %s", store.ErrDuplicateID, rec.ID)
	}
}

// List returns every record of chainID in one LRANGE.
func (s *Store) List(ctx context.Context, chainID string) ([]chain.Record, error) {
	raw, err := s.client.LRange(ctx, s.listKey(chainID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %q: %w", chainID, err)
	}
	out := make([]chain.Record, 0, len(raw))
	for i, item := range raw {
		rec, _ := decode(item, chainID, uint64(i+1))
		out = append(out, rec)
	}
	return out, nil
}

// Get looks the record up through the id index.
func (s *Store) Get(ctx context.Context, id string) (chain.Record, error) {
	loc, err := s.client.HGet(ctx, s.idsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return chain.Record{}, store.ErrNotFound
	}
	if err != nil {
		return chain.Record{}, fmt.Errorf("redis get %s: %w", id, err)
	}

	seqStr, chainID, found := strings.Cut(loc, ":")
	if !found {
		return chain.Record{}, fmt.Errorf("%w: bad index entry %q", chain.ErrMalformedInput, loc)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil || seq == 0 {
		return chain.Record{}, fmt.Errorf("%w: bad index entry %q", chain.ErrMalformedInput, loc)
	}

	item, err := s.client.LIndex(ctx, s.listKey(chainID), int64(seq-1)).Result()
	if errors.Is(err, redis.Nil) {
		return chain.Record{}, store.ErrNotFound
	}
	if err != nil {
		return chain.Record{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	rec, _ := decode(item, chainID, seq)
	return rec, nil
}

// Query filters List on the client side.
func (s *Store) Query(ctx context.Context, chainID string, filter store.QueryFilter) ([]chain.Record, error) {
	recs, err := s.List(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return store.Filter(recs, filter), nil
}

// decode parses a stored element. Undecodable elements keep their raw bytes
// as payload when those are not JSON, so verification reports them malformed.
func decode(item, chainID string, seq uint64) (chain.Record, bool) {
	var rec chain.Record
	ok := json.Unmarshal([]byte(item), &rec) == nil
	if !ok {
		rec = chain.Record{}
		if !json.Valid([]byte(item)) {
			rec.Payload = json.RawMessage(item)
		}
	}
	rec.ChainID = chainID
	rec.Seq = seq
	return rec, ok
}
