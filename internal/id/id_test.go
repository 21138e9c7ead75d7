package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUUIDGeneratesSortableIDs(t *testing.T) {
	t.Parallel()

	gen := NewUUID()

	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version(), "run ids must sort by creation time")

	require.Less(t, first, second, "later ids must sort after earlier ones")
}
