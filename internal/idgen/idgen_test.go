package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestWithPrefix(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := WithPrefix("pi_")
		assert.True(t, HasPrefix(id, "pi_"), id)
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.False(t, HasPrefix("pi_xyz", "pi_"))
	assert.False(t, HasPrefix(WithPrefix("st_"), "pi_"))
}
