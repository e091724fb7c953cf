// Package types holds the data model shared by every component of the
// slot engine: nodes, slots, blob heads, parts, tombstones, and the wire
// shapes used to move them between peers.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/cuemby/rimio/pkg/rimerr"
)

// NodeStatus is the health status of a node as last reported to the
// coordination registry.
type NodeStatus string

const (
	NodeHealthy  NodeStatus = "healthy"
	NodeDegraded NodeStatus = "degraded"
	NodeOffline  NodeStatus = "offline"
)

// NodeInfo identifies a member of the cluster. NodeID is stable for the
// lifetime of the node; Address must be reachable by every peer.
type NodeInfo struct {
	NodeID  string     `json:"node_id"`
	Address string     `json:"address"`
	Status  NodeStatus `json:"status"`
}

// SlotInfo is the registry's record of which replicas serve a slot. The
// replica order is significant: index 0 is conventionally the coordinator
// of first resort, though any replica may coordinate a transaction.
type SlotInfo struct {
	SlotID   uint32   `json:"slot_id"`
	Replicas []string `json:"replicas"` // node IDs, ordered
}

// HeadKind distinguishes a live object head from a tombstone.
type HeadKind string

const (
	HeadMeta      HeadKind = "meta"
	HeadTombstone HeadKind = "tombstone"
)

// PartIndexState tracks whether a BlobMeta's parts have been indexed
// locally or are only known to exist via an archive URL (the bootstrap
// cold-import path never materializes bytes, see bootstrap.ScanSource).
type PartIndexState string

const (
	PartIndexNone    PartIndexState = "none"
	PartIndexIndexed PartIndexState = "indexed"
)

// BlobMeta is the live-object payload of a BlobHead.
type BlobMeta struct {
	Path           string         `json:"path"`
	SlotID         uint32         `json:"slot_id"`
	Generation     int64          `json:"generation"`
	Version        int64          `json:"version"`
	SizeBytes      uint64         `json:"size_bytes"`
	ETag           string         `json:"etag"`
	PartSize       uint64         `json:"part_size"`
	PartCount      uint32         `json:"part_count"`
	PartIndexState PartIndexState `json:"part_index_state"`
	ArchiveURL     string         `json:"archive_url,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TombstoneMeta supersedes every earlier generation of a path.
type TombstoneMeta struct {
	Path       string    `json:"path"`
	SlotID     uint32    `json:"slot_id"`
	Generation int64     `json:"generation"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// BlobHead is the current record for a (slot, path): exactly one of Meta or
// Tombstone is populated, selected by Kind.
type BlobHead struct {
	Path       string         `json:"path"`
	Generation int64          `json:"generation"`
	Kind       HeadKind       `json:"head_kind"`
	HeadSHA256 string         `json:"head_sha256"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Meta       *BlobMeta      `json:"meta,omitempty"`
	Tombstone  *TombstoneMeta `json:"tombstone,omitempty"`
}

// PartEntry records where the bytes for one part of one generation of a
// blob can be found. LocalPath and ArchiveURL are weak references: either
// may be absent or stale without invalidating the entry, since repair
// re-materializes missing files on demand.
type PartEntry struct {
	Path       string `json:"path"`
	Generation int64  `json:"generation"`
	PartNo     uint32 `json:"part_no"`
	SHA256     string `json:"sha256"`
	Length     uint64 `json:"length"`
	LocalPath  string `json:"local_path,omitempty"`
	ArchiveURL string `json:"archive_url,omitempty"`
}

// Vote is a participant's response to a Prepare message.
type Vote struct {
	Yes    bool   `json:"yes"`
	Reason string `json:"reason,omitempty"`
}

// TxState is a 2PC transaction's position in its state machine. Init is
// never persisted. A participant's Preparing state is its durably staged
// intent; Committed and Aborted are kept only in the participant's memory
// and do not survive a restart.
type TxState string

const (
	TxPreparing TxState = "preparing"
	TxCommitted TxState = "committed"
	TxAborted   TxState = "aborted"
)

// ComputeSHA256 returns the lowercase hex SHA-256 digest of b.
func ComputeSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HeadPayloadSHA256 returns the SHA-256 of the canonical JSON encoding of
// a head's inlined payload (BlobMeta or TombstoneMeta). Every writer of a
// head — client writes, deletes, the bootstrap cold import — derives
// head_sha256 this way, so replicas can verify inlined bytes against it
// regardless of which path produced the head.
func HeadPayloadSHA256(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", rimerr.Wrap(rimerr.KindInvalidRequest, err, "encoding head payload")
	}
	return ComputeSHA256(data), nil
}

// SlotForKey computes the slot a path is assigned to: SHA-256(path) mod
// totalSlots. Pure and stable across nodes, processes, and restarts — the
// only thing every replica must agree on without coordination.
func SlotForKey(path string, totalSlots uint32) uint32 {
	sum := sha256.Sum256([]byte(path))
	// Fold the first 8 bytes of the digest into a uint64 before reducing mod
	// totalSlots, matching the original implementation's use of a wide hash
	// rather than truncating to 32 bits first.
	var v uint64
	for _, b := range sum[:8] {
		v = v<<8 | uint64(b)
	}
	return uint32(v % uint64(totalSlots))
}

// NormalizeBlobPath trims leading/trailing slashes and rejects empty
// components and "." / ".." segments, per spec §3's key-derivation rules.
func NormalizeBlobPath(path string) (string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", rimerr.New(rimerr.KindInvalidRequest, "blob path cannot be empty")
	}

	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", rimerr.Newf(rimerr.KindInvalidRequest, "invalid blob path component: %q", p)
		}
	}
	return strings.Join(parts, "/"), nil
}

// PartCountFor returns ceil(sizeBytes / partSize), 0 if sizeBytes is 0.
func PartCountFor(sizeBytes, partSize uint64) uint32 {
	if sizeBytes == 0 {
		return 0
	}
	if partSize == 0 {
		partSize = 1
	}
	return uint32((sizeBytes + partSize - 1) / partSize)
}

// ByteRange is an inclusive [Start, End] byte range within a blob.
type ByteRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// ResolveEffectiveRange validates a requested range against sizeBytes,
// defaulting to the full blob when requested is nil.
func ResolveEffectiveRange(sizeBytes uint64, requested *ByteRange) (ByteRange, error) {
	if requested == nil {
		if sizeBytes == 0 {
			return ByteRange{}, nil
		}
		return ByteRange{Start: 0, End: sizeBytes - 1}, nil
	}
	if requested.Start > requested.End || requested.End >= sizeBytes {
		return ByteRange{}, rimerr.Newf(rimerr.KindInvalidRequest,
			"range not satisfiable: start=%d end=%d size=%d", requested.Start, requested.End, sizeBytes)
	}
	return *requested, nil
}

// PartByteRange returns the inclusive byte range covered by partNo within a
// blob of sizeBytes split into parts of partSize.
func PartByteRange(partSize, sizeBytes uint64, partNo uint32) (ByteRange, error) {
	if partSize == 0 {
		partSize = 1
	}
	start := uint64(partNo) * partSize
	if start >= sizeBytes {
		return ByteRange{}, rimerr.Newf(rimerr.KindInvalidRequest,
			"part_no out of range: part_no=%d size_bytes=%d part_size=%d", partNo, sizeBytes, partSize)
	}
	end := start + partSize - 1
	if end >= sizeBytes {
		end = sizeBytes - 1
	}
	return ByteRange{Start: start, End: end}, nil
}
