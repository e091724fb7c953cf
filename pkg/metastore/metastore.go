// Package metastore is the per-slot durable metadata store: heads, part
// entries, and tombstones for exactly one slot. Each slot owns one bbolt
// file; no cross-slot transactions exist, matching the per-slot boundary
// the concurrency model requires.
package metastore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/types"
)

var (
	bucketHeads    = []byte("heads")     // key: path -> latest-by-generation record
	bucketParts    = []byte("parts")     // key: path\x00gen\x00part_no -> PartEntry
	bucketAllHeads = []byte("all_heads") // key: generation(8BE)\x00path -> encoded head, for anti-entropy cursors
	bucketIntents  = []byte("intents")   // key: tx_id -> staged 2PC prepare intent, write-ahead of commit
)

// record is the on-disk encoding of a BlobHead: exactly one of Meta or
// Tombstone is set, selected by Kind.
type record struct {
	Path       string               `json:"path"`
	Generation int64                `json:"generation"`
	Kind       types.HeadKind       `json:"head_kind"`
	HeadSHA256 string               `json:"head_sha256"`
	UpdatedAt  string               `json:"updated_at"`
	Meta       *types.BlobMeta      `json:"meta,omitempty"`
	Tombstone  *types.TombstoneMeta `json:"tombstone,omitempty"`
}

func (r *record) toHead() *types.BlobHead {
	h := &types.BlobHead{
		Path:       r.Path,
		Generation: r.Generation,
		Kind:       r.Kind,
		HeadSHA256: r.HeadSHA256,
		Meta:       r.Meta,
		Tombstone:  r.Tombstone,
	}
	if r.Meta != nil {
		h.UpdatedAt = r.Meta.UpdatedAt
	} else if r.Tombstone != nil {
		h.UpdatedAt = r.Tombstone.DeletedAt
	}
	return h
}

// Store is the metadata store for a single slot.
type Store struct {
	slotID uint32
	db     *bolt.DB
	mu     sync.Mutex // serializes the compare-and-insert in upsert paths
}

// Open opens (creating if absent) the bbolt file for a slot under dir.
func Open(dir string, slotID uint32) (*Store, error) {
	path := filepath.Join(dir, "meta.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "opening metadata store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHeads, bucketParts, bucketAllHeads, bucketIntents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "initializing metadata store buckets")
	}

	return &Store{slotID: slotID, db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetCurrentHead returns the head with the maximum generation for path.
func (s *Store) GetCurrentHead(path string) (*types.BlobHead, error) {
	var head *types.BlobHead
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeads)
		data := b.Get([]byte(path))
		if data == nil {
			return nil
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		head = r.toHead()
		return nil
	})
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "reading current head")
	}
	return head, nil
}

// NextGeneration returns max(generation, 0) + 1 for path.
func (s *Store) NextGeneration(path string) (int64, error) {
	head, err := s.GetCurrentHead(path)
	if err != nil {
		return 0, err
	}
	if head == nil {
		return 1, nil
	}
	return head.Generation + 1, nil
}

// UpsertMetaWithPayload inserts a Meta head iff no existing head for path
// has generation >= meta.Generation. Returns applied=false if a later or
// equal generation already won.
func (s *Store) UpsertMetaWithPayload(meta types.BlobMeta, headSHA256 string) (bool, error) {
	r := record{
		Path:       meta.Path,
		Generation: meta.Generation,
		Kind:       types.HeadMeta,
		HeadSHA256: headSHA256,
		Meta:       &meta,
	}
	return s.upsertIfHigher(meta.Path, meta.Generation, r)
}

// InsertTombstoneWithPayload inserts a Tombstone head under the same
// monotonic-generation rule as UpsertMetaWithPayload.
func (s *Store) InsertTombstoneWithPayload(ts types.TombstoneMeta, headSHA256 string) (bool, error) {
	r := record{
		Path:       ts.Path,
		Generation: ts.Generation,
		Kind:       types.HeadTombstone,
		HeadSHA256: headSHA256,
		Tombstone:  &ts,
	}
	return s.upsertIfHigher(ts.Path, ts.Generation, r)
}

func (s *Store) upsertIfHigher(path string, generation int64, r record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		heads := tx.Bucket(bucketHeads)
		existing := heads.Get([]byte(path))
		if existing != nil {
			var cur record
			if err := json.Unmarshal(existing, &cur); err != nil {
				return err
			}
			if cur.Generation >= generation {
				return nil
			}
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := heads.Put([]byte(path), data); err != nil {
			return err
		}

		all := tx.Bucket(bucketAllHeads)
		if err := all.Put(allHeadsKey(generation, path), data); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, rimerr.Wrap(rimerr.KindStorage, err, "upserting head")
	}
	return applied, nil
}

func allHeadsKey(generation int64, path string) []byte {
	buf := make([]byte, 8+1+len(path))
	binary.BigEndian.PutUint64(buf[:8], uint64(generation))
	buf[8] = 0
	copy(buf[9:], path)
	return buf
}

func partKey(path string, generation int64, partNo uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString(path)
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.BigEndian, generation)
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.BigEndian, partNo)
	return buf.Bytes()
}

// UpsertPartEntry idempotently replaces a part entry.
func (s *Store) UpsertPartEntry(entry types.PartEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return rimerr.Wrap(rimerr.KindStorage, err, "encoding part entry")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParts)
		return b.Put(partKey(entry.Path, entry.Generation, entry.PartNo), data)
	})
	if err != nil {
		return rimerr.Wrap(rimerr.KindStorage, err, "upserting part entry")
	}
	return nil
}

// GetPartEntry returns the part entry for (path, generation, partNo), or
// nil if absent.
func (s *Store) GetPartEntry(path string, generation int64, partNo uint32) (*types.PartEntry, error) {
	var entry *types.PartEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParts)
		data := b.Get(partKey(path, generation, partNo))
		if data == nil {
			return nil
		}
		var e types.PartEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "reading part entry")
	}
	return entry, nil
}

// ListHeads scans heads whose path has the given prefix, in path order.
func (s *Store) ListHeads(prefix string, limit int, includeTombstoned bool) ([]types.BlobHead, error) {
	var out []types.BlobHead
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeads)
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Kind == types.HeadTombstone && !includeTombstoned {
				continue
			}
			out = append(out, *r.toHead())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "listing heads")
	}
	return out, nil
}

// GetLatestHeadID returns the (generation, path) cursor of the head with the
// highest generation (ties broken by the greatest path) ever applied in this
// slot, for seeding anti-entropy reporting.
func (s *Store) GetLatestHeadID() (generation int64, path string, ok bool, err error) {
	dbErr := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllHeads)
		c := b.Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		gen, p, perr := splitAllHeadsKey(k)
		if perr != nil {
			return perr
		}
		generation, path, ok = gen, p, true
		return nil
	})
	if dbErr != nil {
		return 0, "", false, rimerr.Wrap(rimerr.KindStorage, dbErr, "reading latest head cursor")
	}
	return generation, path, ok, nil
}

// GetHeadsAfter returns every head applied with generation strictly
// greater than cursor, ordered by generation then path, for anti-entropy
// catch-up.
func (s *Store) GetHeadsAfter(cursor int64) ([]types.BlobHead, error) {
	var out []types.BlobHead
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllHeads)
		c := b.Cursor()
		start := make([]byte, 8)
		binary.BigEndian.PutUint64(start, uint64(cursor+1))
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, *r.toHead())
		}
		return nil
	})
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "listing heads after cursor")
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func splitAllHeadsKey(k []byte) (int64, string, error) {
	if len(k) < 9 {
		return 0, "", fmt.Errorf("malformed all_heads key")
	}
	gen := int64(binary.BigEndian.Uint64(k[:8]))
	return gen, string(k[9:]), nil
}

// StageIntent durably records a prepared 2PC intent before the participant
// acks Yes, per §4.6's write-ahead requirement. Overwrites any previous
// intent under the same tx_id (re-preparing the same transaction).
func (s *Store) StageIntent(txID string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).Put([]byte(txID), data)
	})
	if err != nil {
		return rimerr.Wrap(rimerr.KindStorage, err, "staging 2PC intent")
	}
	return nil
}

// GetStagedIntent returns the raw bytes staged for txID, if any.
func (s *Store) GetStagedIntent(txID string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIntents).Get([]byte(txID))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, rimerr.Wrap(rimerr.KindStorage, err, "reading staged 2PC intent")
	}
	return data, data != nil, nil
}

// DeleteIntent removes a staged intent once its transaction reaches a
// terminal state (Committed or Aborted) and has been applied.
func (s *Store) DeleteIntent(txID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).Delete([]byte(txID))
	})
	if err != nil {
		return rimerr.Wrap(rimerr.KindStorage, err, "deleting staged 2PC intent")
	}
	return nil
}

// ListStagedIntents returns every currently-staged intent keyed by tx_id,
// for the sweep that expires abandoned prepares after T_prepare.
func (s *Store) ListStagedIntents() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "listing staged 2PC intents")
	}
	return out, nil
}
