package clusterclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/types"
)

func peerAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestFetchRemoteHeadFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HeadResponse{
			Found:      true,
			HeadKind:   types.HeadMeta,
			Generation: 3,
			HeadSHA256: "deadbeef",
		})
	}))
	defer srv.Close()

	c := New()
	head, err := c.FetchRemoteHead(context.Background(), peerAddr(srv), 1, "a/b")
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, int64(3), head.Generation)
}

func TestFetchRemoteHeadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HeadResponse{Found: false})
	}))
	defer srv.Close()

	c := New()
	head, err := c.FetchRemoteHead(context.Background(), peerAddr(srv), 1, "a/b")
	require.NoError(t, err)
	require.Nil(t, head)
}

func TestFetchPartByIndexReturnsBytesAndSHA(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rimio-sha256", "cafebabe")
		w.Write([]byte("partbytes"))
	}))
	defer srv.Close()

	c := New()
	res, err := c.FetchPartByIndex(context.Background(), peerAddr(srv), 1, "a/b", 1, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("partbytes"), res.Data)
	require.Equal(t, "cafebabe", res.SHA256)
}

func TestFetchPartNotFoundMapsToPartNotFoundKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New()
	_, err := c.FetchPartByIndex(context.Background(), peerAddr(srv), 1, "a/b", 1, 0)
	require.Error(t, err)
	require.True(t, rimerr.Is(err, rimerr.KindPartNotFound))
}

func TestPrepareTreatsTransportFailureAsNoVote(t *testing.T) {
	c := New()
	vote, err := c.Prepare(context.Background(), "127.0.0.1:1", "tx1", PrepareRequest{SlotID: 1})
	require.NoError(t, err)
	require.False(t, vote.Yes)
	require.NotEmpty(t, vote.Reason)
}

func TestPrepareReturnsPeerVote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Vote{Yes: true})
	}))
	defer srv.Close()

	c := New()
	vote, err := c.Prepare(context.Background(), peerAddr(srv), "tx1", PrepareRequest{SlotID: 1})
	require.NoError(t, err)
	require.True(t, vote.Yes)
}

func TestCommitAndAbortSucceedOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	require.NoError(t, c.Commit(context.Background(), peerAddr(srv), "tx1"))
	require.NoError(t, c.Abort(context.Background(), peerAddr(srv), "tx1"))
}

func TestListHeadsAfterDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "5", r.URL.Query().Get("after"))
		json.NewEncoder(w).Encode([]types.BlobHead{{Path: "a", Generation: 6}})
	}))
	defer srv.Close()

	c := New()
	heads, err := c.ListHeadsAfter(context.Background(), peerAddr(srv), 1, 5)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	require.Equal(t, int64(6), heads[0].Generation)
}
