package repair

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rimio/pkg/archive"
	"github.com/cuemby/rimio/pkg/clusterclient"
	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/slotmanager"
	"github.com/cuemby/rimio/pkg/types"
)

func newTestSlot(t *testing.T) *slotmanager.Slot {
	t.Helper()
	dir, err := os.MkdirTemp("", "rimio-repair-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	slots := slotmanager.New(dir)
	slot, err := slots.InitSlot(1)
	require.NoError(t, err)
	return slot
}

func noopResolver(nodeID string) (string, bool) { return "", false }

func TestReadBlobLocalHeadNotFound(t *testing.T) {
	slot := newTestSlot(t)
	eng := NewEngine(clusterclient.New(), nil, noopResolver)

	_, err := eng.ReadBlob(context.Background(), slot, "a/b", []string{"node-a"}, "node-a", true, nil)
	require.Error(t, err)
}

func TestReadBlobTombstoneReturnsDeleted(t *testing.T) {
	slot := newTestSlot(t)
	eng := NewEngine(clusterclient.New(), nil, noopResolver)

	_, err := slot.Meta.InsertTombstoneWithPayload(types.TombstoneMeta{Path: "a/b", Generation: 1}, "sha")
	require.NoError(t, err)

	_, err = eng.ReadBlob(context.Background(), slot, "a/b", []string{"node-a"}, "node-a", true, nil)
	require.Error(t, err)
}

func TestReadBlobHeadOnlyDoesNotTouchParts(t *testing.T) {
	slot := newTestSlot(t)
	eng := NewEngine(clusterclient.New(), nil, noopResolver)

	meta := types.BlobMeta{Path: "a/b", Generation: 1, SizeBytes: 10, PartSize: 10, PartCount: 1}
	_, err := slot.Meta.UpsertMetaWithPayload(meta, "sha")
	require.NoError(t, err)

	result, err := eng.ReadBlob(context.Background(), slot, "a/b", []string{"node-a"}, "node-a", false, nil)
	require.NoError(t, err)
	require.Nil(t, result.Body)
	require.Equal(t, types.HeadMeta, result.Head.Kind)
}

func TestReadBlobEmptyBlobShortCircuits(t *testing.T) {
	slot := newTestSlot(t)
	eng := NewEngine(clusterclient.New(), nil, noopResolver)

	meta := types.BlobMeta{Path: "empty", Generation: 1, SizeBytes: 0, PartSize: 4, PartCount: 0}
	_, err := slot.Meta.UpsertMetaWithPayload(meta, "sha")
	require.NoError(t, err)

	result, err := eng.ReadBlob(context.Background(), slot, "empty", []string{"node-a"}, "node-a", true, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{}, result.Body)

	_, err = eng.ReadBlob(context.Background(), slot, "empty", []string{"node-a"}, "node-a", true,
		&types.ByteRange{Start: 0, End: 0})
	require.Error(t, err)
}

func TestReadBlobAssemblesBodyFromLocalParts(t *testing.T) {
	slot := newTestSlot(t)
	eng := NewEngine(clusterclient.New(), nil, noopResolver)

	data := []byte("0123456789")
	sha := types.ComputeSHA256(data)
	_, err := slot.Parts.Put("a/b", 1, 0, sha, data)
	require.NoError(t, err)
	require.NoError(t, slot.Meta.UpsertPartEntry(types.PartEntry{
		Path: "a/b", Generation: 1, PartNo: 0, SHA256: sha, Length: uint64(len(data)),
	}))

	meta := types.BlobMeta{Path: "a/b", Generation: 1, SizeBytes: uint64(len(data)), PartSize: uint64(len(data)), PartCount: 1}
	_, err = slot.Meta.UpsertMetaWithPayload(meta, "headsha")
	require.NoError(t, err)

	result, err := eng.ReadBlob(context.Background(), slot, "a/b", []string{"node-a"}, "node-a", true, nil)
	require.NoError(t, err)
	require.Equal(t, data, result.Body)

	result, err = eng.ReadBlob(context.Background(), slot, "a/b", []string{"node-a"}, "node-a", true,
		&types.ByteRange{Start: 2, End: 5})
	require.NoError(t, err)
	require.Equal(t, []byte("2345"), result.Body)
}

func TestReadBlobFallsBackToArchiveWhenPartMissingLocally(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello world")
	sha := types.ComputeSHA256(data)
	objPath := dir + "/object.bin"
	require.NoError(t, os.WriteFile(objPath, data, 0644))

	store, err := archive.Open(&config.ArchiveConfig{Type: "file"})
	require.NoError(t, err)

	slot := newTestSlot(t)
	eng := NewEngine(clusterclient.New(), store, noopResolver)

	meta := types.BlobMeta{
		Path: "a/b", Generation: 1, SizeBytes: uint64(len(data)), PartSize: uint64(len(data)),
		PartCount: 1, ArchiveURL: "file://" + objPath,
	}
	_, err = slot.Meta.UpsertMetaWithPayload(meta, "headsha")
	require.NoError(t, err)
	require.NoError(t, slot.Meta.UpsertPartEntry(types.PartEntry{
		Path: "a/b", Generation: 1, PartNo: 0, SHA256: sha, Length: uint64(len(data)),
	}))

	result, err := eng.ReadBlob(context.Background(), slot, "a/b", []string{"node-a"}, "node-a", true, nil)
	require.NoError(t, err)
	require.Equal(t, data, result.Body)
}

func TestReadBlobFallsBackToPeerWhenNoArchive(t *testing.T) {
	data := []byte("peer data!!")
	sha := types.ComputeSHA256(data)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rimio-sha256", sha)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	slot := newTestSlot(t)
	resolve := func(nodeID string) (string, bool) {
		if nodeID == "node-b" {
			return srv.Listener.Addr().String(), true
		}
		return "", false
	}
	eng := NewEngine(clusterclient.New(), nil, resolve)

	meta := types.BlobMeta{Path: "a/b", Generation: 1, SizeBytes: uint64(len(data)), PartSize: uint64(len(data)), PartCount: 1}
	_, err := slot.Meta.UpsertMetaWithPayload(meta, "headsha")
	require.NoError(t, err)

	result, err := eng.ReadBlob(context.Background(), slot, "a/b", []string{"node-a", "node-b"}, "node-a", true, nil)
	require.NoError(t, err)
	require.Equal(t, data, result.Body)
}

func TestRepairPathFromHeadFetchesEveryPart(t *testing.T) {
	data := []byte("0123456789")
	sha := types.ComputeSHA256(data)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rimio-sha256", sha)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	slot := newTestSlot(t)
	eng := NewEngine(clusterclient.New(), nil, noopResolver)

	remoteHead := types.BlobHead{
		Path: "a/b", Generation: 1, Kind: types.HeadMeta, HeadSHA256: "headsha",
		Meta: &types.BlobMeta{Path: "a/b", Generation: 1, SizeBytes: uint64(len(data)), PartSize: uint64(len(data)), PartCount: 1},
	}

	err := eng.RepairPathFromHead(context.Background(), slot, srv.Listener.Addr().String(), remoteHead)
	require.NoError(t, err)

	head, err := slot.Meta.GetCurrentHead("a/b")
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, int64(1), head.Generation)

	stored, err := slot.Parts.Get("a/b", 1, 0, sha)
	require.NoError(t, err)
	require.Equal(t, data, stored)
}
