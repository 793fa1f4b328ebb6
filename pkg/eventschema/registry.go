// Package eventschema validates event payloads against JSON Schemas
// registered per event type.
package eventschema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
	"github.com/Antoniskp/apofasifast/pkg/chain"
)

// SchemaFileSuffix marks schema files picked up by LoadDir.
const SchemaFileSuffix = ".schema.json"

// Registry maps event types to compiled Draft 2020-12 schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	strict  bool
}

// Option configures a Registry.
type Option func(*Registry)

// Strict makes Validate reject event types that have no schema.
func Strict() Option {
	return func(r *Registry) { r.strict = true }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register compiles schemaJSON and binds it to eventType, replacing any
// earlier schema. An empty schema removes the binding.
func (r *Registry) Register(eventType, schemaJSON string) error {
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: event type is required", chain.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(schemaJSON) == "" {
		delete(r.schemas, eventType)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://apofasi.schemas.local/events/%s.schema.json", eventType)
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("event schema load failed for %s: %w", eventType, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("event schema compile failed for %s: %w", eventType, err)
	}
	r.schemas[eventType] = compiled
	return nil
}

// LoadDir registers every <EVENT_TYPE>.schema.json file in dir.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), SchemaFileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		if err := r.Register(strings.TrimSuffix(e.Name(), SchemaFileSuffix), string(data)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks payload against the schema bound to eventType.
// Failures wrap chain.ErrInvalidInput.
func (r *Registry) Validate(eventType string, payload canonicalize.Value) error {
	r.mu.RLock()
	schema, ok := r.schemas[eventType]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return fmt.Errorf("%w: no schema registered for event type %q", chain.ErrInvalidInput, eventType)
		}
		return nil
	}
	if err := schema.Validate(payload.Interface()); err != nil {
		return fmt.Errorf("%w: payload for %s failed schema validation: %w", chain.ErrInvalidInput, eventType, err)
	}
	return nil
}

// EventTypes returns the registered event types, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
