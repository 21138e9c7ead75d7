package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemReportsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := NewSystem().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location(), "persisted timestamps must be UTC")
	require.False(t, got.Before(before) || got.After(after))
}
