package chain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
)

// Builder produces correctly linked records. It never touches storage.
type Builder struct {
	clock func() time.Time
	newID func() string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock sets the created_at source.
func WithClock(clock func() time.Time) BuilderOption {
	return func(b *Builder) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithIDGenerator sets the record id source.
func WithIDGenerator(gen func() string) BuilderOption {
	return func(b *Builder) {
		if gen != nil {
			b.newID = gen
		}
	}
}

// NewBuilder creates a Builder using UTC wall time and random UUIDs.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		clock: func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append builds the record that follows prevHash. Pass an empty prevHash for
// the first record of a chain.
func (b *Builder) Append(eventType string, payload canonicalize.Value, prevHash string) (Record, error) {
	if strings.TrimSpace(eventType) == "" {
		return Record{}, fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}

	canonicalPayload, err := payload.Canonical()
	if err != nil {
		return Record{}, fmt.Errorf("%w: payload: %w", ErrInvalidInput, err)
	}

	hash, err := ComputeHash(eventType, payload, prevHash)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	return Record{
		ID:        b.newID(),
		EventType: eventType,
		Payload:   canonicalPayload,
		Hash:      hash,
		PrevHash:  prevHash,
		CreatedAt: b.clock(),
	}, nil
}
