package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTCAndMonotonic(t *testing.T) {
	t.Parallel()

	clock := New()
	first := clock.Now()
	require.Equal(t, time.UTC, first.Location())

	second := clock.Now()
	require.False(t, second.Before(first))
}
