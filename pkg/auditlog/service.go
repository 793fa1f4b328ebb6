// Package auditlog is the application seam over a ChainStore: it reads the
// chain tail, builds the next record and appends it with compare-and-append,
// and it verifies whole chains on demand.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/eventschema"
	"github.com/Antoniskp/apofasifast/pkg/observability"
	"github.com/Antoniskp/apofasifast/pkg/store"
)

// DefaultChainID is used when callers do not name a chain.
const DefaultChainID = "default"

const (
	defaultMaxTries      = 5
	defaultRetryInterval = 10 * time.Millisecond
	maxRetryInterval     = 500 * time.Millisecond
)

// Service appends to and verifies chains held in a store.
type Service struct {
	store         store.ChainStore
	builder       *chain.Builder
	schemas       *eventschema.Registry
	logger        *slog.Logger
	telemetry     *observability.Provider
	limiter       *rate.Limiter
	maxTries      uint
	retryInterval time.Duration
	verifyOpts    []chain.VerifyOption
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithBuilder replaces the default record builder.
func WithBuilder(b *chain.Builder) Option {
	return func(s *Service) { s.builder = b }
}

// WithSchemas validates payloads before they are appended.
func WithSchemas(r *eventschema.Registry) Option {
	return func(s *Service) { s.schemas = r }
}

// WithLogger sets the logger. A "component" attribute is added.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l.With("component", "auditlog") }
}

// WithTelemetry records spans and counters through p.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Service) { s.telemetry = p }
}

// WithRateLimit makes Append wait on l before touching the store.
func WithRateLimit(l *rate.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithRetry bounds the attempts made when another writer moves the tail.
func WithRetry(maxTries uint) Option {
	return func(s *Service) {
		if maxTries > 0 {
			s.maxTries = maxTries
		}
	}
}

// WithRetryInterval sets the first backoff interval between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

// WithSequenceCheck makes Verify also require gapless sequence numbers.
func WithSequenceCheck() Option {
	return func(s *Service) { s.verifyOpts = append(s.verifyOpts, chain.WithSequenceCheck()) }
}

// NewService returns a Service over st.
func NewService(st store.ChainStore, opts ...Option) *Service {
	s := &Service{
		store:         st,
		builder:       chain.NewBuilder(),
		logger:        slog.Default().With("component", "auditlog"),
		telemetry:     observability.Disabled(),
		maxTries:      defaultMaxTries,
		retryInterval: defaultRetryInterval,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func chainOrDefault(chainID string) string {
	if chainID == "" {
		return DefaultChainID
	}
	return chainID
}

// Append records one event at the end of chainID and returns the stored
// record. Invalid input is never retried; a moved tail is retried with
// exponential backoff up to the configured number of attempts.
func (s *Service) Append(ctx context.Context, chainID, eventType string, payload canonicalize.Value) (rec chain.Record, err error) {
	chainID = chainOrDefault(chainID)
	ctx, done := s.telemetry.TrackOperation(ctx, "auditlog.append", observability.AppendOperation(chainID, eventType)...)
	defer func() { done(err) }()

	if strings.TrimSpace(chainID) == "" {
		return chain.Record{}, fmt.Errorf("%w: chain id is blank", chain.ErrInvalidInput)
	}
	if s.schemas != nil {
		if err := s.schemas.Validate(eventType, payload); err != nil {
			return chain.Record{}, err
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return chain.Record{}, fmt.Errorf("append rate limit: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInterval
	bo.MaxInterval = maxRetryInterval

	attempt := 0
	rec, err = backoff.Retry(ctx, func() (chain.Record, error) {
		attempt++
		r, err := s.appendOnce(ctx, chainID, eventType, payload)
		if errors.Is(err, store.ErrConflict) {
			s.telemetry.RecordConflict(ctx, chainID, attempt)
			s.logger.DebugContext(ctx, "chain tail moved, retrying",
				"chain_id", chainID, "attempt", attempt)
			return chain.Record{}, err
		}
		if err != nil {
			return chain.Record{}, backoff.Permanent(err)
		}
		return r, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		return chain.Record{}, fmt.Errorf("append to chain %q: %w", chainID, err)
	}

	s.telemetry.RecordAppend(ctx, chainID, eventType)
	s.logger.InfoContext(ctx, "event appended",
		"chain_id", chainID,
		"seq", rec.Seq,
		"event_type", rec.EventType,
		"hash", rec.Hash,
	)
	return rec, nil
}

func (s *Service) appendOnce(ctx context.Context, chainID, eventType string, payload canonicalize.Value) (chain.Record, error) {
	tail, hasTail, err := s.store.Tail(ctx, chainID)
	if err != nil {
		return chain.Record{}, fmt.Errorf("read tail: %w", err)
	}
	prev := ""
	if hasTail {
		prev = tail.Hash
	}

	rec, err := s.builder.Append(eventType, payload, prev)
	if err != nil {
		return chain.Record{}, err
	}
	rec.ChainID = chainID
	// created_at is not hashed, but List orders by it, so it must not go
	// backwards when clocks disagree.
	if hasTail && rec.CreatedAt.Before(tail.CreatedAt) {
		rec.CreatedAt = tail.CreatedAt
	}
	return s.store.Append(ctx, rec)
}

// Report is the outcome of verifying one chain.
type Report struct {
	ChainID   string         `json:"chain_id"`
	Records   []chain.Record `json:"-"`
	Length    int            `json:"length"`
	Head      string         `json:"head,omitempty"`
	Result    chain.Result   `json:"result"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Verify lists chainID and checks it end to end. A broken chain is not an
// error: it is reported in Report.Result and logged as an integrity alert.
// A record that cannot be decoded at all is returned as an error wrapping
// chain.ErrMalformedInput.
func (s *Service) Verify(ctx context.Context, chainID string) (rep Report, err error) {
	chainID = chainOrDefault(chainID)
	ctx, done := s.telemetry.TrackOperation(ctx, "auditlog.verify", observability.VerifyOperation(chainID)...)
	defer func() { done(err) }()

	records, err := s.store.List(ctx, chainID)
	if err != nil {
		return Report{}, fmt.Errorf("list chain %q: %w", chainID, err)
	}

	rep = Report{
		ChainID:   chainID,
		Records:   records,
		Length:    len(records),
		CheckedAt: s.now(),
	}
	if tail, ok := chain.Tail(records); ok {
		rep.Head = tail.Hash
	}

	res, err := chain.Verify(records, s.verifyOpts...)
	if err != nil {
		var malformed *chain.MalformedRecordError
		if errors.As(err, &malformed) {
			s.telemetry.RecordIntegrityAlert(ctx, chainID, malformed.Position, "malformed_record")
			s.logger.ErrorContext(ctx, "integrity alert: unreadable record",
				"chain_id", chainID,
				"position", malformed.Position,
				"record_id", malformed.RecordID,
				"error", malformed.Err,
			)
		}
		return rep, fmt.Errorf("verify chain %q: %w", chainID, err)
	}
	rep.Result = res
	s.telemetry.RecordVerification(ctx, chainID, res.Valid)

	if !res.Valid {
		s.telemetry.RecordIntegrityAlert(ctx, chainID, res.Position, string(res.Reason))
		attrs := []any{
			"chain_id", chainID,
			"position", res.Position,
			"reason", res.Reason,
			"expected", res.Expected,
			"actual", res.Actual,
		}
		if res.Position >= 0 && res.Position < len(records) {
			attrs = append(attrs, "record_id", records[res.Position].ID)
		}
		s.logger.ErrorContext(ctx, "integrity alert: chain verification failed", attrs...)
		return rep, nil
	}

	s.logger.InfoContext(ctx, "chain verified", "chain_id", chainID, "length", rep.Length, "head", rep.Head)
	return rep, nil
}

// List returns every record of chainID in order.
func (s *Service) List(ctx context.Context, chainID string) ([]chain.Record, error) {
	chainID = chainOrDefault(chainID)
	records, err := s.store.List(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("list chain %q: %w", chainID, err)
	}
	return records, nil
}

// Query returns the records of chainID matching filter. Stores that can
// filter natively do so; others are filtered in memory.
func (s *Service) Query(ctx context.Context, chainID string, filter store.QueryFilter) ([]chain.Record, error) {
	chainID = chainOrDefault(chainID)
	if q, ok := s.store.(store.Querier); ok {
		records, err := q.Query(ctx, chainID, filter)
		if err != nil {
			return nil, fmt.Errorf("query chain %q: %w", chainID, err)
		}
		return records, nil
	}
	records, err := s.List(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return store.Filter(records, filter), nil
}

// Head returns the last record of chainID. ok is false for an empty chain.
func (s *Service) Head(ctx context.Context, chainID string) (rec chain.Record, ok bool, err error) {
	chainID = chainOrDefault(chainID)
	rec, ok, err = s.store.Tail(ctx, chainID)
	if err != nil {
		return chain.Record{}, false, fmt.Errorf("read head of %q: %w", chainID, err)
	}
	return rec, ok, nil
}

// Get returns a record by id.
func (s *Service) Get(ctx context.Context, id string) (chain.Record, error) {
	return s.store.Get(ctx, id)
}
