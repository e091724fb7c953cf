package rimerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndOf(t *testing.T) {
	err := New(KindNotFound, "missing")
	kind, ok := Of(err)
	require.True(t, ok)
	require.Equal(t, KindNotFound, kind)
}

func TestOfReturnsFalseForPlainError(t *testing.T) {
	_, ok := Of(errors.New("boom"))
	require.False(t, ok)
}

func TestIs(t *testing.T) {
	err := New(KindHashMismatch, "bad hash")
	require.True(t, Is(err, KindHashMismatch))
	require.False(t, Is(err, KindNotFound))
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorage, cause, "writing part")
	require.True(t, Is(err, KindStorage))
	require.True(t, errors.Is(err, cause))
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(KindStorage, nil, "no-op"))
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(KindInvalidRequest, "bad range: %d-%d", 1, 2)
	require.Contains(t, err.Error(), "bad range: 1-2")
}

func TestRetryableClassification(t *testing.T) {
	retryable := []Kind{KindPartNotFound, KindHashMismatch, KindInsufficientReplicas, KindTwoPhaseCommit, KindTransport}
	for _, k := range retryable {
		require.Truef(t, Retryable(k), "%s should be retryable", k)
	}

	notRetryable := []Kind{KindInvalidRequest, KindNotFound, KindDeleted, KindStorage, KindConfig, KindBootstrap}
	for _, k := range notRetryable {
		require.Falsef(t, Retryable(k), "%s should not be retryable", k)
	}
}
