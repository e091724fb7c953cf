package partstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "rimio-partstore-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	require.NoError(t, err)
	return s
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	data := []byte("helloworld")
	sum := types.ComputeSHA256(data)

	res, err := s.Put("a/b", 1, 0, sum, data)
	require.NoError(t, err)
	require.False(t, res.Reused)
	require.NotEmpty(t, res.FinalPath)

	got, err := s.Get("a/b", 1, 0, sum)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutIsIdempotentAndReportsReused(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello")
	sum := types.ComputeSHA256(data)

	_, err := s.Put("a/b", 1, 0, sum, data)
	require.NoError(t, err)

	res, err := s.Put("a/b", 1, 0, sum, data)
	require.NoError(t, err)
	require.True(t, res.Reused)
}

func TestPutRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello")

	_, err := s.Put("a/b", 1, 0, "not-the-real-hash", data)
	require.Error(t, err)
	require.True(t, rimerr.Is(err, rimerr.KindHashMismatch))
}

func TestGetMissingPartFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("missing", 1, 0, "anything")
	require.Error(t, err)
	require.True(t, rimerr.Is(err, rimerr.KindPartNotFound))
}

func TestExists(t *testing.T) {
	s := newTestStore(t)
	data := []byte("x")
	sum := types.ComputeSHA256(data)

	require.False(t, s.Exists("a/b", 1, 0, sum))
	_, err := s.Put("a/b", 1, 0, sum, data)
	require.NoError(t, err)
	require.True(t, s.Exists("a/b", 1, 0, sum))
}

func TestPathForIsDeterministic(t *testing.T) {
	s := newTestStore(t)
	p1 := s.LocalPath("a/b", 1, 0, "deadbeef")
	p2 := s.LocalPath("a/b", 1, 0, "deadbeef")
	require.Equal(t, p1, p2)

	other := s.LocalPath("a/c", 1, 0, "deadbeef")
	require.NotEqual(t, p1, other)
}

func TestDifferentGenerationsDoNotCollide(t *testing.T) {
	s := newTestStore(t)
	d1 := []byte("gen1")
	d2 := []byte("gen2")
	s1 := types.ComputeSHA256(d1)
	s2 := types.ComputeSHA256(d2)

	_, err := s.Put("a/b", 1, 0, s1, d1)
	require.NoError(t, err)
	_, err = s.Put("a/b", 2, 0, s2, d2)
	require.NoError(t, err)

	got1, err := s.Get("a/b", 1, 0, s1)
	require.NoError(t, err)
	require.Equal(t, d1, got1)

	got2, err := s.Get("a/b", 2, 0, s2)
	require.NoError(t, err)
	require.Equal(t, d2, got2)
}
