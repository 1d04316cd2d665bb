package simquery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_ClassifiedAndWrapped(t *testing.T) {
	t.Parallel()

	base := NewError(KindNoData, "verify the number", errors.New("empty tables"))
	require.Equal(t, KindNoData, KindOf(base))

	wrapped := fmt.Errorf("query run: %w", base)
	require.Equal(t, KindNoData, KindOf(wrapped))
	require.Equal(t, "verify the number", SuggestionOf(wrapped))
	require.True(t, IsKind(wrapped, KindNoData))
}

func TestKindOf_UnclassifiedDefaultsToUnavailable(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindUnavailable, KindOf(errors.New("boom")))
	require.NotEmpty(t, SuggestionOf(errors.New("boom")))
}

func TestCountsAgainstIdentifier(t *testing.T) {
	t.Parallel()

	counting := []Kind{KindRemoteRejected, KindNoData, KindTimeout}
	for _, k := range counting {
		require.True(t, k.CountsAgainstIdentifier(), "%s should count", k)
	}

	neutral := []Kind{
		KindInvalidInput, KindDenied, KindAuthFailure,
		KindSessionInvalid, KindUnavailable,
	}
	for _, k := range neutral {
		require.False(t, k.CountsAgainstIdentifier(), "%s should not count", k)
	}
}

func TestKillsSession(t *testing.T) {
	t.Parallel()

	require.True(t, KillsSession(errors.New("chromedp: Target closed")))
	require.True(t, KillsSession(fmt.Errorf("fetch: %w", errors.New("Connection closed unexpectedly"))))
	require.False(t, KillsSession(errors.New("status 500")))
	require.False(t, KillsSession(nil))
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := NewError(KindTimeout, "retry later", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "timeout")
	require.Contains(t, err.Error(), "root cause")
}
