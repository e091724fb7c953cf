package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/types"
)

// putObjectResponse is the body of a successful PUT /objects/{path}, per
// §6's "201 with {path, version, blob_id, chunks_stored}".
type putObjectResponse struct {
	Path         string `json:"path"`
	Version      int64  `json:"version"`
	BlobID       string `json:"blob_id"`
	ChunksStored uint32 `json:"chunks_stored"`
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := types.NormalizeBlobPath(mux.Vars(r)["path"])
	if err != nil {
		writeError(w, err)
		return
	}
	slotID := types.SlotForKey(path, s.totalSlots)

	replicas, err := s.replicasForSlot(ctx, slotID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(replicas) < s.minWriteReplicas {
		writeError(w, rimerr.Newf(rimerr.KindInsufficientReplicas,
			"slot %d has %d replicas, need %d", slotID, len(replicas), s.minWriteReplicas))
		return
	}

	slot, err := s.slots.GetSlot(slotID)
	if err != nil {
		writeError(w, err)
		return
	}

	generation, err := resolveWriteGeneration(r, slot.Meta, path)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, rimerr.Wrap(rimerr.KindInvalidRequest, err, "reading request body"))
		return
	}

	partSize := uint64(DefaultPartSize)
	partCount := types.PartCountFor(uint64(len(body)), partSize)
	for partNo := uint32(0); partNo < partCount; partNo++ {
		rng, err := types.PartByteRange(partSize, uint64(len(body)), partNo)
		if err != nil {
			writeError(w, err)
			return
		}
		chunk := body[rng.Start : rng.End+1]
		sha := types.ComputeSHA256(chunk)
		putResult, err := slot.Parts.Put(path, generation, partNo, sha, chunk)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := slot.Meta.UpsertPartEntry(types.PartEntry{
			Path: path, Generation: generation, PartNo: partNo,
			SHA256: sha, Length: uint64(len(chunk)), LocalPath: putResult.FinalPath,
		}); err != nil {
			writeError(w, err)
			return
		}
	}

	meta := types.BlobMeta{
		Path:           path,
		SlotID:         slotID,
		Generation:     generation,
		Version:        generation,
		SizeBytes:      uint64(len(body)),
		ETag:           types.ComputeSHA256(body),
		PartSize:       partSize,
		PartCount:      partCount,
		PartIndexState: types.PartIndexIndexed,
		UpdatedAt:      time.Now().UTC(),
	}

	headSHA, err := types.HeadPayloadSHA256(meta)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, err := s.coordinator.Propose(ctx, slotID, path, generation, types.HeadMeta, &meta, nil, headSHA, replicas)
	if err != nil {
		writeError(w, err)
		return
	}
	if outcome.State != types.TxCommitted {
		writeError(w, rimerr.Newf(rimerr.KindTwoPhaseCommit, "write aborted for %s", path))
		return
	}

	writeJSON(w, http.StatusCreated, putObjectResponse{
		Path:         path,
		Version:      generation,
		BlobID:       headSHA,
		ChunksStored: partCount,
	})
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := types.NormalizeBlobPath(mux.Vars(r)["path"])
	if err != nil {
		writeError(w, err)
		return
	}
	slotID := types.SlotForKey(path, s.totalSlots)

	replicas, err := s.replicasForSlot(ctx, slotID)
	if err != nil {
		writeError(w, err)
		return
	}

	slot, err := s.slots.GetSlot(slotID)
	if err != nil {
		writeError(w, err)
		return
	}

	generation, err := resolveWriteGeneration(r, slot.Meta, path)
	if err != nil {
		writeError(w, err)
		return
	}

	ts := types.TombstoneMeta{
		Path:       path,
		SlotID:     slotID,
		Generation: generation,
		DeletedAt:  time.Now().UTC(),
	}
	headSHA, err := types.HeadPayloadSHA256(ts)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, err := s.coordinator.Propose(ctx, slotID, path, generation, types.HeadTombstone, nil, &ts, headSHA, replicas)
	if err != nil {
		writeError(w, err)
		return
	}
	if outcome.State != types.TxCommitted {
		writeError(w, rimerr.Newf(rimerr.KindTwoPhaseCommit, "delete aborted for %s", path))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"path": path, "version": generation})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := types.NormalizeBlobPath(mux.Vars(r)["path"])
	if err != nil {
		writeError(w, err)
		return
	}
	slotID := types.SlotForKey(path, s.totalSlots)

	replicas, err := s.replicasForSlot(ctx, slotID)
	if err != nil {
		writeError(w, err)
		return
	}
	slot, err := s.slots.GetSlot(slotID)
	if err != nil {
		writeError(w, err)
		return
	}

	var requestedRange *types.ByteRange
	startStr, endStr := r.URL.Query().Get("start"), r.URL.Query().Get("end")
	if startStr != "" || endStr != "" {
		start, serr := strconv.ParseUint(startStr, 10, 64)
		end, eerr := strconv.ParseUint(endStr, 10, 64)
		if serr != nil || eerr != nil {
			writeError(w, rimerr.New(rimerr.KindInvalidRequest, "start and end must both be set to valid integers"))
			return
		}
		requestedRange = &types.ByteRange{Start: start, End: end}
	}

	result, err := s.repair.ReadBlob(ctx, slot, path, replicas, s.nodeID, true, requestedRange)
	if err != nil {
		if rimerr.Is(err, rimerr.KindInvalidRequest) && requestedRange != nil {
			// The only InvalidRequest ReadBlob raises with a range present
			// is "range not satisfiable" (§3's range validation), which the
			// client surface reports as 416 rather than the generic 400.
			writeJSON(w, http.StatusRequestedRangeNotSatisfiable, map[string]string{"error": err.Error(), "kind": string(rimerr.KindInvalidRequest)})
			return
		}
		writeError(w, err)
		return
	}

	if versionStr := r.URL.Query().Get("version"); versionStr != "" {
		version, verr := strconv.ParseInt(versionStr, 10, 64)
		if verr != nil {
			writeError(w, rimerr.New(rimerr.KindInvalidRequest, "version must be an integer"))
			return
		}
		if result.Head.Generation != version {
			writeError(w, rimerr.Newf(rimerr.KindNotFound, "version %d not available for %s", version, path))
			return
		}
	}

	w.Header().Set("ETag", result.Head.Meta.ETag)
	w.Header().Set("x-rimio-generation", strconv.FormatInt(result.Head.Generation, 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	limit := 0
	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, rimerr.New(rimerr.KindInvalidRequest, "limit must be an integer"))
			return
		}
		limit = parsed
	}
	includeTombstoned := q.Get("include_tombstoned") == "true"

	// Aggregates only this node's locally-owned slots; this adapter does
	// not fan list requests out across the cluster.
	var out []types.BlobHead
	for _, slotID := range s.slots.AssignedSlots() {
		slot, err := s.slots.GetSlot(slotID)
		if err != nil {
			continue
		}
		heads, err := slot.Meta.ListHeads(prefix, limit, includeTombstoned)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, heads...)
		if limit > 0 && len(out) >= limit {
			out = out[:limit]
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"objects": out})
}

func resolveWriteGeneration(r *http.Request, meta interface {
	NextGeneration(path string) (int64, error)
}, path string) (int64, error) {
	if v := r.URL.Query().Get("version"); v != "" {
		gen, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, rimerr.New(rimerr.KindInvalidRequest, "version must be an integer")
		}
		return gen, nil
	}
	return meta.NextGeneration(path)
}
