package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewRunID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewRunID()
	require.NoError(t, err)
	id2, err := gen.NewRunID()
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 7, int(id1.Version()))
	assert.LessOrEqual(t, id1.String(), id2.String(), "v7 IDs sort by creation time")
}

func TestParse(t *testing.T) {
	t.Parallel()

	id, err := Parse("00000000-0000-0000-0000-000000000001")
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", id.String())

	_, err = Parse("not-a-uuid")
	require.Error(t, err)
}
