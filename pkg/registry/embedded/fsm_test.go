package embedded

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/types"
)

func applyCmd(t *testing.T, f *FSM, op string, payload any) any {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(command{Op: op, Data: data})
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: raw})
}

func TestFSMRegisterAndGetNodes(t *testing.T) {
	f := NewFSM()
	resp := applyCmd(t, f, opRegisterNode, types.NodeInfo{NodeID: "a", Address: "10.0.0.1:9000", Status: types.NodeHealthy})
	require.Nil(t, resp)

	st := f.snapshotState()
	require.Contains(t, st.nodes, "a")
	require.Equal(t, types.NodeHealthy, st.nodes["a"].Status)
}

func TestFSMSetSlotAssignment(t *testing.T) {
	f := NewFSM()
	req := struct {
		SlotID   uint32   `json:"slot_id"`
		Replicas []string `json:"replicas"`
	}{SlotID: 3, Replicas: []string{"a", "b"}}
	applyCmd(t, f, opSetSlotAssignment, req)

	st := f.snapshotState()
	require.Equal(t, []string{"a", "b"}, st.slots[3])
}

func TestFSMReportHealthLastWriterWins(t *testing.T) {
	f := NewFSM()
	type healthReq struct {
		SlotID        uint32 `json:"slot_id"`
		NodeID        string `json:"node_id"`
		ProgressToken string `json:"progress_token"`
	}
	applyCmd(t, f, opReportHealth, healthReq{SlotID: 1, NodeID: "a", ProgressToken: "g1"})
	applyCmd(t, f, opReportHealth, healthReq{SlotID: 1, NodeID: "a", ProgressToken: "g2"})

	st := f.snapshotState()
	require.Equal(t, "g2", st.health[1]["a"])
}

func TestFSMCreateBootstrapIsFirstWriterWins(t *testing.T) {
	f := NewFSM()
	first := config.BootstrapState{InitializedBy: "a"}
	second := config.BootstrapState{InitializedBy: "b"}

	wonFirst := applyCmd(t, f, opCreateBootstrap, first)
	require.Equal(t, true, wonFirst)

	wonSecond := applyCmd(t, f, opCreateBootstrap, second)
	require.Equal(t, false, wonSecond)

	st := f.snapshotState()
	require.NotNil(t, st.bootstrap)
	require.Equal(t, "a", st.bootstrap.InitializedBy)
}

func TestFSMApplyRejectsUnknownOp(t *testing.T) {
	f := NewFSM()
	raw, err := json.Marshal(command{Op: "bogus", Data: json.RawMessage("{}")})
	require.NoError(t, err)

	resp := f.Apply(&raft.Log{Data: raw})
	err2, ok := resp.(error)
	require.True(t, ok)
	require.Error(t, err2)
}

func TestFSMSnapshotRestoreRoundTrips(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, opRegisterNode, types.NodeInfo{NodeID: "a", Address: "10.0.0.1:9000", Status: types.NodeHealthy})
	req := struct {
		SlotID   uint32   `json:"slot_id"`
		Replicas []string `json:"replicas"`
	}{SlotID: 2, Replicas: []string{"a"}}
	applyCmd(t, f, opSetSlotAssignment, req)
	applyCmd(t, f, opCreateBootstrap, config.BootstrapState{InitializedBy: "a"})

	snapIface, err := f.Snapshot()
	require.NoError(t, err)
	snap := snapIface.(*fsmSnapshot)

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	f2 := NewFSM()
	require.NoError(t, f2.Restore(io.NopCloser(bytes.NewReader(data))))

	st := f2.snapshotState()
	require.Contains(t, st.nodes, "a")
	require.Equal(t, []string{"a"}, st.slots[2])
	require.NotNil(t, st.bootstrap)
	require.Equal(t, "a", st.bootstrap.InitializedBy)
}
