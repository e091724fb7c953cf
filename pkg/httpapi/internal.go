package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cuemby/rimio/pkg/clusterclient"
	"github.com/cuemby/rimio/pkg/metrics"
	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/twopc"
)

func parseSlotVar(r *http.Request) (uint32, error) {
	v, err := strconv.ParseUint(mux.Vars(r)["slot"], 10, 32)
	if err != nil {
		return 0, rimerr.New(rimerr.KindInvalidRequest, "slot must be an integer")
	}
	return uint32(v), nil
}

// handleInternalHead serves GET /internal/head/{slot}/{path}, the peer
// RPC backing clusterclient.FetchRemoteHead.
func (s *Server) handleInternalHead(w http.ResponseWriter, r *http.Request) {
	slotID, err := parseSlotVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	path := mux.Vars(r)["path"]

	slot, err := s.slots.GetSlot(slotID)
	if err != nil {
		writeError(w, err)
		return
	}

	head, err := slot.Meta.GetCurrentHead(path)
	if err != nil {
		writeError(w, err)
		return
	}
	if head == nil {
		writeJSON(w, http.StatusOK, clusterclient.HeadResponse{Found: false})
		return
	}
	writeJSON(w, http.StatusOK, clusterclient.HeadResponse{
		Found:      true,
		HeadKind:   head.Kind,
		Generation: head.Generation,
		HeadSHA256: head.HeadSHA256,
		Meta:       head.Meta,
		Tombstone:  head.Tombstone,
	})
}

// handleInternalPart serves GET /internal/part/{slot}/{sha256}?path=&generation=&part_no=,
// the peer RPC backing clusterclient.FetchPartByIndex / FetchPartBySHA.
// sha256 in the path is "-" when the caller doesn't yet know the hash
// (fetch-by-index); otherwise the served bytes must match it or the
// request is treated as a 404, per §6. A part with no local entry or no
// local file is answered with 404 as well.
func (s *Server) handleInternalPart(w http.ResponseWriter, r *http.Request) {
	slotID, err := parseSlotVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	wantSHA := mux.Vars(r)["sha256"]

	q := r.URL.Query()
	path := q.Get("path")
	generation, gerr := strconv.ParseInt(q.Get("generation"), 10, 64)
	partNo, perr := strconv.ParseUint(q.Get("part_no"), 10, 32)
	if gerr != nil || perr != nil {
		writeError(w, rimerr.New(rimerr.KindInvalidRequest, "generation and part_no must be integers"))
		return
	}

	slot, err := s.slots.GetSlot(slotID)
	if err != nil {
		writeError(w, err)
		return
	}

	entry, err := slot.Meta.GetPartEntry(path, generation, uint32(partNo))
	if err != nil {
		writeError(w, err)
		return
	}
	notFound := func(err error) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error(), "kind": string(rimerr.KindPartNotFound)})
	}
	if entry == nil {
		notFound(rimerr.Newf(rimerr.KindPartNotFound, "no local entry for part %d of %s gen=%d", partNo, path, generation))
		return
	}
	if wantSHA != "-" && wantSHA != entry.SHA256 {
		notFound(rimerr.Newf(rimerr.KindPartNotFound, "local part hash %s does not match requested %s", entry.SHA256, wantSHA))
		return
	}

	data, err := slot.Parts.Get(path, generation, uint32(partNo), entry.SHA256)
	if err != nil {
		if rimerr.Is(err, rimerr.KindPartNotFound) {
			notFound(err)
			return
		}
		writeError(w, err)
		return
	}

	metrics.PartBytesRead.Add(float64(len(data)))
	w.Header().Set("x-rimio-sha256", entry.SHA256)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleInternalHeadsAfter serves GET /internal/heads/{slot}?after=, the
// peer RPC backing clusterclient.ListHeadsAfter (anti-entropy catch-up).
func (s *Server) handleInternalHeadsAfter(w http.ResponseWriter, r *http.Request) {
	slotID, err := parseSlotVar(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			writeError(w, rimerr.New(rimerr.KindInvalidRequest, "after must be an integer"))
			return
		}
		after = parsed
	}

	slot, err := s.slots.GetSlot(slotID)
	if err != nil {
		writeError(w, err)
		return
	}

	heads, err := slot.Meta.GetHeadsAfter(after)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heads)
}

// handlePrepare serves POST /internal/tx/{tx_id}/prepare, the participant
// side of 2PC (§4.6 step 2).
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["tx_id"]

	var req clusterclient.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, rimerr.Wrap(rimerr.KindInvalidRequest, err, "decoding prepare request"))
		return
	}

	intent := twopc.Intent{
		TxID:       txID,
		SlotID:     req.SlotID,
		Path:       req.Path,
		Generation: req.Generation,
		HeadKind:   req.HeadKind,
		Meta:       req.Meta,
		Tombstone:  req.Tombstone,
		HeadSHA256: req.HeadSHA256,
	}

	vote, err := s.participant.Prepare(r.Context(), intent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vote)
}

// handleCommit serves POST /internal/tx/{tx_id}/commit, idempotent by
// tx_id per §4.5.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["tx_id"]
	if err := s.participant.Commit(r.Context(), txID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_id": txID, "state": "committed"})
}

// handleAbort serves POST /internal/tx/{tx_id}/abort, idempotent by
// tx_id per §4.5.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["tx_id"]
	if err := s.participant.Abort(r.Context(), txID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_id": txID, "state": "aborted"})
}
