package eventschema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
	"github.com/Antoniskp/apofasifast/pkg/chain"
)

const voteSchema = `{
	"type": "object",
	"properties": {
		"voter": {"type": "string", "minLength": 1},
		"choice": {"type": "integer"}
	},
	"required": ["voter"],
	"additionalProperties": false
}`

func payload(t *testing.T, raw string) canonicalize.Value {
	t.Helper()
	v, err := canonicalize.Parse([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("VOTE_CAST", voteSchema))

	require.NoError(t, r.Validate("VOTE_CAST", payload(t, `{"voter":"A","choice":2}`)))

	err := r.Validate("VOTE_CAST", payload(t, `{"choice":2}`))
	require.ErrorIs(t, err, chain.ErrInvalidInput)

	err = r.Validate("VOTE_CAST", payload(t, `{"voter":"A","choice":2.5}`))
	require.ErrorIs(t, err, chain.ErrInvalidInput)

	err = r.Validate("VOTE_CAST", payload(t, `{"voter":"A","extra":true}`))
	require.ErrorIs(t, err, chain.ErrInvalidInput)
}

func TestRegistry_UnregisteredTypes(t *testing.T) {
	lax := NewRegistry()
	assert.NoError(t, lax.Validate("ANYTHING", canonicalize.Null()))

	strict := NewRegistry(Strict())
	assert.ErrorIs(t, strict.Validate("ANYTHING", canonicalize.Null()), chain.ErrInvalidInput)
}

func TestRegistry_RegisterErrors(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register(" ", voteSchema), chain.ErrInvalidInput)
	assert.Error(t, r.Register("BAD", `{"type": 12}`))
	assert.Error(t, r.Register("BAD", `{not json`))
	assert.Empty(t, r.EventTypes())
}

func TestRegistry_EmptySchemaUnregisters(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("VOTE_CAST", voteSchema))
	require.NoError(t, r.Register("VOTE_CAST", ""))
	assert.Empty(t, r.EventTypes())
	assert.NoError(t, r.Validate("VOTE_CAST", payload(t, `{}`)))
}

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "VOTE_CAST.schema.json"), []byte(voteSchema), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	r := NewRegistry()
	require.NoError(t, r.LoadDir(dir))
	assert.Equal(t, []string{"VOTE_CAST"}, r.EventTypes())
	assert.ErrorIs(t, r.Validate("VOTE_CAST", payload(t, `[]`)), chain.ErrInvalidInput)

	assert.Error(t, r.LoadDir(filepath.Join(dir, "missing")))
}
