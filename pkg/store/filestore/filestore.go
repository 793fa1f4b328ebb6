// Package filestore implements a ChainStore as one append-only JSON Lines
// file per chain.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/store"
)

const ext = ".jsonl"

var chainIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Store keeps every chain in memory and appends each new record to disk
// before acknowledging it.
type Store struct {
	dir    string
	mu     sync.RWMutex
	chains map[string]*chainFile
	byID   map[string]chain.Record
}

type chainFile struct {
	records []chain.Record
	// firstBadLine is the 1-based line number of the first unreadable line.
	firstBadLine int
}

var (
	_ store.ChainStore = (*Store)(nil)
	_ store.Querier    = (*Store)(nil)
)

// Open loads every chain file under dir, creating dir if needed.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		chains: make(map[string]*chainFile),
		byID:   make(map[string]chain.Record),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		chainID := strings.TrimSuffix(e.Name(), ext)
		cf, err := readChainFile(filepath.Join(s.dir, e.Name()), chainID)
		if err != nil {
			return err
		}
		s.chains[chainID] = cf
		for _, rec := range cf.records {
			if rec.ID != "" {
				s.byID[rec.ID] = rec
			}
		}
	}
	return nil
}

func readChainFile(path, chainID string) (*chainFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chain file: %w", err)
	}
	defer func() { _ = f.Close() }()

	cf := &chainFile{}
	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			complete := line[len(line)-1] == '\n'
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				rec, ok := decodeLine(line, complete)
				if !ok {
					rec.Seq = uint64(lineNo)
					if cf.firstBadLine == 0 {
						cf.firstBadLine = lineNo
					}
				}
				rec.ChainID = chainID
				cf.records = append(cf.records, rec)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read chain file %s: %w", path, err)
		}
	}
	return cf, nil
}

// decodeLine parses one stored record. An unreadable line is still returned
// so verification reports it as malformed rather than silently skipping it:
// the raw bytes are kept as the payload when they are not JSON at all.
func decodeLine(line []byte, complete bool) (chain.Record, bool) {
	var rec chain.Record
	if complete {
		if err := json.Unmarshal(line, &rec); err == nil {
			return rec, true
		}
	}
	if json.Valid(line) {
		return chain.Record{}, false
	}
	return chain.Record{Payload: append(json.RawMessage(nil), line...)}, false
}

func (s *Store) path(chainID string) string {
	return filepath.Join(s.dir, chainID+ext)
}

func validChainID(chainID string) error {
	if !chainIDPattern.MatchString(chainID) || strings.Contains(chainID, "..") {
		return fmt.Errorf("%w: chain id %q is not a valid file name", chain.ErrInvalidInput, chainID)
	}
	return nil
}

// Tail returns the last record of chainID.
func (s *Store) Tail(_ context.Context, chainID string) (chain.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cf, ok := s.chains[chainID]
	if !ok {
		return chain.Record{}, false, nil
	}
	if cf.firstBadLine > 0 {
		return chain.Record{}, false, s.corrupt(chainID, cf)
	}
	rec, ok := chain.Tail(cf.records)
	return rec.Clone(), ok, nil
}

func (s *Store) corrupt(chainID string, cf *chainFile) error {
	return fmt.Errorf("%w: chain %q has an unreadable record at line %d", chain.ErrMalformedInput, chainID, cf.firstBadLine)
}

// Append writes rec to the chain file and syncs it before returning.
func (s *Store) Append(ctx context.Context, rec chain.Record) (chain.Record, error) {
	if err := ctx.Err(); err != nil {
		return chain.Record{}, err
	}
	if err := store.ValidateRecord(rec); err != nil {
		return chain.Record{}, err
	}
	if err := validChainID(rec.ChainID); err != nil {
		return chain.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return chain.Record{}, fmt.Errorf("%w: %s", store.ErrDuplicateID, rec.ID)
	}
	cf := s.chains[rec.ChainID]
	if cf == nil {
		cf = &chainFile{}
	}
	if cf.firstBadLine > 0 {
		return chain.Record{}, s.corrupt(rec.ChainID, cf)
	}
	tail, hasTail := chain.Tail(cf.records)
	seq, err := store.NextSeq(tail, hasTail, rec)
	if err != nil {
		return chain.Record{}, err
	}
	rec.Seq = seq
	rec.Payload = bytes.Clone(rec.Payload)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return chain.Record{}, fmt.Errorf("encode record: %w", err)
	}

	f, err := os.OpenFile(s.path(rec.ChainID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return chain.Record{}, fmt.Errorf("open chain file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return chain.Record{}, fmt.Errorf("write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return chain.Record{}, fmt.Errorf("sync chain file: %w", err)
	}
	if err := f.Close(); err != nil {
		return chain.Record{}, fmt.Errorf("close chain file: %w", err)
	}

	cf.records = append(cf.records, rec)
	s.chains[rec.ChainID] = cf
	s.byID[rec.ID] = rec
	return rec.Clone(), nil
}

// List returns every record of chainID, including unreadable lines.
func (s *Store) List(_ context.Context, chainID string) ([]chain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cf, ok := s.chains[chainID]
	if !ok {
		return []chain.Record{}, nil
	}
	return chain.CloneAll(cf.records), nil
}

// Get returns a record by id.
func (s *Store) Get(_ context.Context, id string) (chain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return chain.Record{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// Query returns records of chainID matching filter.
func (s *Store) Query(ctx context.Context, chainID string, filter store.QueryFilter) ([]chain.Record, error) {
	recs, err := s.List(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return store.Filter(recs, filter), nil
}

// Chains returns the ids of all chains on disk, sorted.
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
