package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rimio/pkg/clusterclient"
	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/registry"
	"github.com/cuemby/rimio/pkg/repair"
	"github.com/cuemby/rimio/pkg/slotmanager"
	"github.com/cuemby/rimio/pkg/twopc"
	"github.com/cuemby/rimio/pkg/types"
)

// fakeRegistry answers every slot as assigned solely to "node-a", which
// is sufficient to exercise the single-node write/read path this adapter
// drives through a real Coordinator and Manager.
type fakeRegistry struct{}

func (fakeRegistry) RegisterNode(ctx context.Context, info types.NodeInfo) error { return nil }
func (fakeRegistry) GetNodes(ctx context.Context) ([]types.NodeInfo, error)      { return nil, nil }
func (fakeRegistry) SetSlotAssignment(ctx context.Context, slotID uint32, replicas []string) error {
	return nil
}
func (fakeRegistry) GetSlot(ctx context.Context, slotID uint32) (*types.SlotInfo, error) {
	return &types.SlotInfo{SlotID: slotID, Replicas: []string{"node-a"}}, nil
}
func (fakeRegistry) ReportHealth(ctx context.Context, slotID uint32, nodeID, token string) error {
	return nil
}
func (fakeRegistry) GetHealthyReplicas(ctx context.Context, slotID uint32) ([]registry.HealthReport, error) {
	return nil, nil
}
func (fakeRegistry) CreateBootstrapStateIfAbsent(ctx context.Context, payload config.BootstrapState) (bool, error) {
	return true, nil
}
func (fakeRegistry) GetBootstrapState(ctx context.Context) (*config.BootstrapState, error) {
	return nil, nil
}
func (fakeRegistry) Watch(ctx context.Context) (<-chan registry.SlotEvent, error) {
	ch := make(chan registry.SlotEvent)
	close(ch)
	return ch, nil
}
func (fakeRegistry) Close() error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir, err := os.MkdirTemp("", "rimio-httpapi-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	slots := slotmanager.New(dir)
	// Pre-assign every slot in this small test keyspace to this node, in
	// place of the bootstrap step that normally does this.
	for i := uint32(0); i < 4; i++ {
		slots.Assign(i)
	}
	reg := fakeRegistry{}
	mgr := twopc.NewManager("node-a", slots, 0)
	resolve := func(nodeID string) (string, bool, error) { return "", true, nil }
	coord := twopc.NewCoordinator("node-a", mgr, nil, resolve)
	client := clusterclient.New()
	repairEngine := repair.NewEngine(client, nil, func(nodeID string) (string, bool) { return "", false })

	return NewServer("node-a", 4, 1, slots, reg, coord, mgr, repairEngine)
}

func TestPutThenGetObjectRoundTrips(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Router())
	defer srv.Close()

	body := []byte("hello rimio")
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/objects/a/b.txt", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var putResp putObjectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&putResp))
	require.Equal(t, "a/b.txt", putResp.Path)
	require.Equal(t, int64(1), putResp.Version)
	require.Equal(t, uint32(1), putResp.ChunksStored)

	getResp, err := http.Get(srv.URL + "/objects/a/b.txt")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	gotBody := make([]byte, len(body))
	n, _ := getResp.Body.Read(gotBody)
	require.Equal(t, body, gotBody[:n])
}

func TestGetMissingObjectReturns404(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/objects/does/not/exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteThenGetReturns410(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Router())
	defer srv.Close()

	putReq, err := http.NewRequest(http.MethodPut, srv.URL+"/objects/a/b.txt", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	putResp.Body.Close()
	require.Equal(t, http.StatusCreated, putResp.StatusCode)

	delReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/objects/a/b.txt", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	getResp, err := http.Get(srv.URL + "/objects/a/b.txt")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusGone, getResp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
}

func TestInternalHeadRoundTripsThroughPeerRPCShape(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	putReq, err := http.NewRequest(http.MethodPut, srv.URL+"/objects/x/y.bin", bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	putResp.Body.Close()
	require.Equal(t, http.StatusCreated, putResp.StatusCode)

	headURL := fmt.Sprintf("%s/internal/head/%d/x/y.bin", srv.URL, types.SlotForKey("x/y.bin", 4))
	headResp, err := http.Get(headURL)
	require.NoError(t, err)
	defer headResp.Body.Close()
	require.Equal(t, http.StatusOK, headResp.StatusCode)

	var decoded clusterclient.HeadResponse
	require.NoError(t, json.NewDecoder(headResp.Body).Decode(&decoded))
	require.True(t, decoded.Found)
	require.Equal(t, types.HeadMeta, decoded.HeadKind)
}
