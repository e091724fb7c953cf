// Package repair implements the Read/Repair Engine: resolving reads by
// fetching missing heads and parts from peers or a cold archive, and the
// on-demand repair-from-head path the anti-entropy loop drives when it
// detects a replica has fallen behind (§4.7).
package repair

import (
	"context"

	"github.com/cuemby/rimio/pkg/archive"
	"github.com/cuemby/rimio/pkg/clusterclient"
	"github.com/cuemby/rimio/pkg/log"
	"github.com/cuemby/rimio/pkg/metrics"
	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/slotmanager"
	"github.com/cuemby/rimio/pkg/types"
)

// PeerResolver maps a node_id to the address a peer dials it on.
type PeerResolver func(nodeID string) (addr string, ok bool)

// Engine resolves reads and drives repair for the slots this node owns.
type Engine struct {
	client  *clusterclient.Client
	archive archive.Store
	resolve PeerResolver
}

// NewEngine creates a repair Engine. archiveStore may be nil if no archive
// is configured, in which case the archive fallback step is skipped.
func NewEngine(client *clusterclient.Client, archiveStore archive.Store, resolve PeerResolver) *Engine {
	return &Engine{client: client, archive: archiveStore, resolve: resolve}
}

// ReadResult is the outcome of a successful ReadBlob.
type ReadResult struct {
	Head *types.BlobHead
	Body []byte
}

// ReadBlob resolves a read for (slot, path): local head, falling back to
// peers; tombstone check; optional body assembly with per-part resolution
// across local storage, archive, and peers, per §4.7's algorithm.
func (e *Engine) ReadBlob(ctx context.Context, slot *slotmanager.Slot, path string, replicas []string, localNodeID string, includeBody bool, requestedRange *types.ByteRange) (*ReadResult, error) {
	head, err := e.discoverHead(ctx, slot, path, replicas, localNodeID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, rimerr.Newf(rimerr.KindNotFound, "blob not found: %s", path)
	}
	if head.Kind == types.HeadTombstone {
		return nil, rimerr.Newf(rimerr.KindDeleted, "blob deleted: %s", path)
	}
	if !includeBody {
		return &ReadResult{Head: head}, nil
	}

	meta := head.Meta
	if meta.SizeBytes == 0 {
		if requestedRange != nil {
			return nil, rimerr.New(rimerr.KindInvalidRequest, "range requested on empty blob")
		}
		return &ReadResult{Head: head, Body: []byte{}}, nil
	}

	effective, err := types.ResolveEffectiveRange(meta.SizeBytes, requestedRange)
	if err != nil {
		return nil, err
	}

	partSize := meta.PartSize
	if partSize == 0 {
		partSize = 1
	}
	firstPart := uint32(effective.Start / partSize)
	lastPart := uint32(effective.End / partSize)

	body := make([]byte, 0, effective.End-effective.Start+1)
	for partNo := firstPart; partNo <= lastPart; partNo++ {
		partBytes, err := e.resolvePart(ctx, slot, replicas, localNodeID, path, *meta, partNo)
		if err != nil {
			return nil, err
		}

		sliceStart, sliceEnd := uint64(0), uint64(len(partBytes))
		partRange, err := types.PartByteRange(partSize, meta.SizeBytes, partNo)
		if err != nil {
			return nil, err
		}
		if partNo == firstPart && effective.Start > partRange.Start {
			sliceStart = effective.Start - partRange.Start
		}
		if partNo == lastPart && effective.End < partRange.End {
			sliceEnd = sliceEnd - (partRange.End - effective.End)
		}
		body = append(body, partBytes[sliceStart:sliceEnd]...)
	}

	if uint64(len(body)) != effective.End-effective.Start+1 {
		return nil, rimerr.Newf(rimerr.KindStorage, "internal error: assembled body length %d, expected %d",
			len(body), effective.End-effective.Start+1)
	}

	return &ReadResult{Head: head, Body: body}, nil
}

// discoverHead returns the local head, or the first peer's head applied
// locally, or nil if no replica has one.
func (e *Engine) discoverHead(ctx context.Context, slot *slotmanager.Slot, path string, replicas []string, localNodeID string) (*types.BlobHead, error) {
	head, err := slot.Meta.GetCurrentHead(path)
	if err != nil {
		return nil, err
	}
	if head != nil {
		return head, nil
	}

	for _, nodeID := range replicas {
		if nodeID == localNodeID {
			continue
		}
		addr, ok := e.resolve(nodeID)
		if !ok {
			continue
		}
		remote, err := e.client.FetchRemoteHead(ctx, addr, slot.ID, path)
		if err != nil || remote == nil {
			continue
		}
		if err := e.applyHeadLocally(slot, *remote); err != nil {
			return nil, err
		}
		return remote, nil
	}
	return nil, nil
}

func (e *Engine) applyHeadLocally(slot *slotmanager.Slot, head types.BlobHead) error {
	if head.Kind == types.HeadTombstone {
		_, err := slot.Meta.InsertTombstoneWithPayload(*head.Tombstone, head.HeadSHA256)
		return err
	}
	_, err := slot.Meta.UpsertMetaWithPayload(*head.Meta, head.HeadSHA256)
	return err
}

// resolvePart resolves one part's bytes via local storage, then archive,
// then peers in turn, per §4.7 step 4. Each successful source stores the
// bytes locally and upserts the part entry before returning.
func (e *Engine) resolvePart(ctx context.Context, slot *slotmanager.Slot, replicas []string, localNodeID, path string, meta types.BlobMeta, partNo uint32) ([]byte, error) {
	entry, err := slot.Meta.GetPartEntry(path, meta.Generation, partNo)
	if err != nil {
		return nil, err
	}

	if entry != nil && slot.Parts.Exists(path, meta.Generation, partNo, entry.SHA256) {
		data, err := slot.Parts.Get(path, meta.Generation, partNo, entry.SHA256)
		if err == nil && types.ComputeSHA256(data) == entry.SHA256 {
			metrics.RepairAttemptsTotal.WithLabelValues("local", "ok").Inc()
			return data, nil
		}
		metrics.RepairAttemptsTotal.WithLabelValues("local", "mismatch").Inc()
	}

	archiveURL := meta.ArchiveURL
	if entry != nil && entry.ArchiveURL != "" {
		archiveURL = entry.ArchiveURL
	}
	if archiveURL != "" && e.archive != nil {
		data, err := e.fetchFromArchive(ctx, slot, path, meta, partNo, archiveURL, entry)
		if err == nil {
			metrics.RepairAttemptsTotal.WithLabelValues("archive", "ok").Inc()
			return data, nil
		}
		metrics.RepairAttemptsTotal.WithLabelValues("archive", "miss").Inc()
		lg := log.WithPath(path)
		lg.Warn().Err(err).Uint32("part_no", partNo).
			Msg("repair: archive fetch failed, falling back to peers")
	}

	var knownSHA string
	if entry != nil {
		knownSHA = entry.SHA256
	}
	for _, nodeID := range replicas {
		if nodeID == localNodeID {
			continue
		}
		addr, ok := e.resolve(nodeID)
		if !ok {
			continue
		}

		var result *clusterclient.PartResult
		var err error
		if knownSHA != "" {
			result, err = e.client.FetchPartBySHA(ctx, addr, slot.ID, knownSHA, path, meta.Generation, partNo)
		} else {
			result, err = e.client.FetchPartByIndex(ctx, addr, slot.ID, path, meta.Generation, partNo)
		}
		if err != nil {
			metrics.RepairAttemptsTotal.WithLabelValues("peer", "miss").Inc()
			continue
		}

		computed := types.ComputeSHA256(result.Data)
		if result.SHA256 != "" && result.SHA256 != computed {
			metrics.RepairAttemptsTotal.WithLabelValues("peer", "mismatch").Inc()
			continue
		}
		if knownSHA != "" && computed != knownSHA {
			metrics.RepairAttemptsTotal.WithLabelValues("peer", "mismatch").Inc()
			continue
		}

		if _, err := slot.Parts.Put(path, meta.Generation, partNo, computed, result.Data); err != nil {
			return nil, err
		}
		if err := slot.Meta.UpsertPartEntry(types.PartEntry{
			Path: path, Generation: meta.Generation, PartNo: partNo,
			SHA256: computed, Length: uint64(len(result.Data)),
			LocalPath: slot.Parts.LocalPath(path, meta.Generation, partNo, computed),
		}); err != nil {
			return nil, err
		}
		metrics.RepairAttemptsTotal.WithLabelValues("peer", "ok").Inc()
		return result.Data, nil
	}

	return nil, rimerr.Newf(rimerr.KindPartNotFound, "part not recoverable: %s gen=%d part=%d", path, meta.Generation, partNo)
}

func (e *Engine) fetchFromArchive(ctx context.Context, slot *slotmanager.Slot, path string, meta types.BlobMeta, partNo uint32, archiveURL string, entry *types.PartEntry) ([]byte, error) {
	partRange, err := types.PartByteRange(meta.PartSize, meta.SizeBytes, partNo)
	if err != nil {
		return nil, err
	}

	data, err := e.archive.RangeGet(ctx, archiveURL, partRange.Start, partRange.End)
	if err != nil {
		return nil, err
	}
	wantLen := partRange.End - partRange.Start + 1
	if uint64(len(data)) != wantLen {
		return nil, rimerr.Newf(rimerr.KindHashMismatch, "archive part length %d, want %d", len(data), wantLen)
	}

	computed := types.ComputeSHA256(data)
	if entry != nil && entry.SHA256 != "" && entry.SHA256 != computed {
		return nil, rimerr.Newf(rimerr.KindHashMismatch, "archive part hash %s, expected %s", computed, entry.SHA256)
	}

	if _, err := slot.Parts.Put(path, meta.Generation, partNo, computed, data); err != nil {
		return nil, err
	}
	if err := slot.Meta.UpsertPartEntry(types.PartEntry{
		Path: path, Generation: meta.Generation, PartNo: partNo,
		SHA256: computed, Length: uint64(len(data)),
		LocalPath:  slot.Parts.LocalPath(path, meta.Generation, partNo, computed),
		ArchiveURL: archiveURL,
	}); err != nil {
		return nil, err
	}
	return data, nil
}

// RepairPathFromHead fetches every part referenced by remoteHead.Meta from
// sourceAddr, stores them, then applies remoteHead locally. Used by the
// anti-entropy loop when it observes a peer has advanced beyond this
// replica's cursor.
func (e *Engine) RepairPathFromHead(ctx context.Context, slot *slotmanager.Slot, sourceAddr string, remoteHead types.BlobHead) error {
	if remoteHead.Kind == types.HeadTombstone {
		return e.applyHeadLocally(slot, remoteHead)
	}

	meta := remoteHead.Meta
	for partNo := uint32(0); partNo < meta.PartCount; partNo++ {
		result, err := e.client.FetchPartByIndex(ctx, sourceAddr, slot.ID, meta.Path, meta.Generation, partNo)
		if err != nil {
			return rimerr.Wrap(rimerr.KindPartNotFound, err, "repair_path_from_head: fetching part")
		}
		computed := types.ComputeSHA256(result.Data)
		if result.SHA256 != "" && result.SHA256 != computed {
			return rimerr.Newf(rimerr.KindHashMismatch, "repair_path_from_head: part %d hash mismatch", partNo)
		}
		if _, err := slot.Parts.Put(meta.Path, meta.Generation, partNo, computed, result.Data); err != nil {
			return err
		}
		if err := slot.Meta.UpsertPartEntry(types.PartEntry{
			Path: meta.Path, Generation: meta.Generation, PartNo: partNo,
			SHA256: computed, Length: uint64(len(result.Data)),
			LocalPath: slot.Parts.LocalPath(meta.Path, meta.Generation, partNo, computed),
		}); err != nil {
			return err
		}
	}

	return e.applyHeadLocally(slot, remoteHead)
}
