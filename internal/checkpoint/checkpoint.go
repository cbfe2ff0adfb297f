// Package checkpoint persists batch run progress in a single bbolt file so
// that an interrupted run can resume exactly where it stopped.
//
// # Layout
//
// Two top-level buckets:
//
//	runs   runID → run metadata as JSON
//	items  runID → nested bucket: item index (big-endian uint32) → item record
//
// Run IDs are ULIDs, so iterating the runs bucket in key order is iterating
// runs in creation order. Item keys are fixed-width big-endian indexes, so
// iterating a run's item bucket yields items in submission order.
//
// # Durability protocol
//
// The processor writes items it is about to dispatch (marked in-flight) in
// one transaction, then writes their terminal statuses in another before
// moving to the next chunk. bbolt transactions are atomic, so after a crash
// the store holds a consistent prefix of the run's progress: any item is
// either untouched, marked in-flight, or terminal.
//
// An unreadable record yields ErrCorrupted. Unlike a cache entry, a
// checkpoint cannot be refilled from anywhere, so corruption is surfaced to
// the caller instead of healed silently.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ratchet-labs/ratchet/internal/types"
)

var (
	bucketRuns  = []byte("runs")
	bucketItems = []byte("items")
)

var (
	// ErrNotFound is returned when the named run does not exist.
	ErrNotFound = errors.New("checkpoint: run not found")

	// ErrRunExists is returned by CreateRun when the run ID is already taken.
	ErrRunExists = errors.New("checkpoint: run already exists")

	// ErrCorrupted is returned (wrapped) when a stored record cannot be
	// decoded. A corrupted run cannot be resumed safely.
	ErrCorrupted = errors.New("checkpoint: corrupted record")
)

// ─── Store ────────────────────────────────────────────────────────────────────

// Store is a bbolt-backed checkpoint store. All methods are safe for
// concurrent use.
type Store struct {
	db        *bbolt.DB
	closeOnce sync.Once
}

// Open opens (or creates) the checkpoint database at path. The parent
// directory must already exist.
func Open(path string) (*Store, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRuns); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketItems)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database. Safe to call multiple times.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

// ─── Run metadata ─────────────────────────────────────────────────────────────

// RunMeta is the stored metadata of one run, without its items.
type RunMeta struct {
	ID          string          `json:"id"`
	Status      types.RunStatus `json:"status"`
	ChunkSize   int             `json:"chunk_size"`
	Concurrency int             `json:"concurrency"`
	DryRun      bool            `json:"dry_run"`
	ItemCount   int             `json:"item_count"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

func metaFromRun(run *types.BatchRun) *RunMeta {
	return &RunMeta{
		ID:          run.ID,
		Status:      run.Status,
		ChunkSize:   run.ChunkSize,
		Concurrency: run.Concurrency,
		DryRun:      run.DryRun,
		ItemCount:   len(run.Items),
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
	}
}

// ─── Run operations ───────────────────────────────────────────────────────────

// CreateRun persists a new run and all its items in one transaction.
// Returns ErrRunExists when the run ID is already present.
func (s *Store) CreateRun(run *types.BatchRun) error {
	meta, err := json.Marshal(metaFromRun(run))
	if err != nil {
		return fmt.Errorf("checkpoint: marshal run %s: %w", run.ID, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if runs.Get([]byte(run.ID)) != nil {
			return ErrRunExists
		}
		if err := runs.Put([]byte(run.ID), meta); err != nil {
			return err
		}

		items, err := tx.Bucket(bucketItems).CreateBucket([]byte(run.ID))
		if err != nil {
			return err
		}
		for i, it := range run.Items {
			if err := items.Put(itemKey(i), marshalItem(it)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRunExists) {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return fmt.Errorf("checkpoint: create run %s: %w", run.ID, err)
	}
	return nil
}

// LoadRun returns the run with all its items in submission order.
// Returns ErrNotFound for unknown runs and ErrCorrupted for undecodable ones.
func (s *Store) LoadRun(runID string) (*types.BatchRun, error) {
	var run *types.BatchRun

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRuns).Get([]byte(runID))
		if raw == nil {
			return ErrNotFound
		}
		var meta RunMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("%w: run meta %s: %v", ErrCorrupted, runID, err)
		}

		run = &types.BatchRun{
			ID:          meta.ID,
			Status:      meta.Status,
			ChunkSize:   meta.ChunkSize,
			Concurrency: meta.Concurrency,
			DryRun:      meta.DryRun,
			CreatedAt:   meta.CreatedAt,
			UpdatedAt:   meta.UpdatedAt,
			Items:       make([]*types.BatchItem, 0, meta.ItemCount),
		}

		items := tx.Bucket(bucketItems).Bucket([]byte(runID))
		if items == nil {
			return fmt.Errorf("%w: run %s has no item bucket", ErrCorrupted, runID)
		}
		if err := items.ForEach(func(_, v []byte) error {
			it, err := unmarshalItem(v)
			if err != nil {
				return err
			}
			run.Items = append(run.Items, it)
			return nil
		}); err != nil {
			return err
		}

		if len(run.Items) != meta.ItemCount {
			return fmt.Errorf("%w: run %s has %d items, meta says %d",
				ErrCorrupted, runID, len(run.Items), meta.ItemCount)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}
	return run, nil
}

// SetRunStatus updates the run's status and touch time.
func (s *Store) SetRunStatus(runID string, status types.RunStatus) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		raw := runs.Get([]byte(runID))
		if raw == nil {
			return ErrNotFound
		}
		var meta RunMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("%w: run meta %s: %v", ErrCorrupted, runID, err)
		}
		meta.Status = status
		meta.UpdatedAt = time.Now().UnixMilli()

		out, err := json.Marshal(&meta)
		if err != nil {
			return err
		}
		return runs.Put([]byte(runID), out)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return fmt.Errorf("checkpoint: set status %s: %w", runID, err)
	}
	return nil
}

// ItemUpdate addresses one item by its index in the run's submission order.
type ItemUpdate struct {
	Index int
	Item  *types.BatchItem
}

// UpdateItems persists the given item states in one atomic transaction and
// touches the run's update time. Either all updates land or none do.
func (s *Store) UpdateItems(runID string, updates []ItemUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		raw := runs.Get([]byte(runID))
		if raw == nil {
			return ErrNotFound
		}
		var meta RunMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("%w: run meta %s: %v", ErrCorrupted, runID, err)
		}

		items := tx.Bucket(bucketItems).Bucket([]byte(runID))
		if items == nil {
			return fmt.Errorf("%w: run %s has no item bucket", ErrCorrupted, runID)
		}
		for _, u := range updates {
			if u.Index < 0 || u.Index >= meta.ItemCount {
				return fmt.Errorf("checkpoint: item index %d out of range [0,%d)", u.Index, meta.ItemCount)
			}
			if err := items.Put(itemKey(u.Index), marshalItem(u.Item)); err != nil {
				return err
			}
		}

		meta.UpdatedAt = time.Now().UnixMilli()
		out, err := json.Marshal(&meta)
		if err != nil {
			return err
		}
		return runs.Put([]byte(runID), out)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return fmt.Errorf("checkpoint: update items %s: %w", runID, err)
	}
	return nil
}

// ListRuns returns the metadata of every run, newest first.
func (s *Store) ListRuns() ([]*RunMeta, error) {
	var out []*RunMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketRuns).Cursor()
		// ULID keys sort by creation time, so walking backwards is newest-first.
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			var meta RunMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("%w: run meta %s: %v", ErrCorrupted, k, err)
			}
			out = append(out, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteRun removes a run and all its items.
func (s *Store) DeleteRun(runID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if runs.Get([]byte(runID)) == nil {
			return ErrNotFound
		}
		if err := runs.Delete([]byte(runID)); err != nil {
			return err
		}
		items := tx.Bucket(bucketItems)
		if items.Bucket([]byte(runID)) != nil {
			return items.DeleteBucket([]byte(runID))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return fmt.Errorf("checkpoint: delete run %s: %w", runID, err)
	}
	return nil
}

// ─── Item keys ────────────────────────────────────────────────────────────────

// itemKey encodes an item index as a fixed-width big-endian key so bbolt's
// byte order matches submission order.
func itemKey(i int) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(i))
	return k[:]
}

// ---- serialisation helpers -------------------------------------------------
// An item record is a compact binary structure:
//
//	[version  : 1 byte           ]
//	[status   : 1 byte           ]
//	[attempts : 2 bytes, uint16  ]
//	[updatedAt: 8 bytes, int64   ]  UTC milliseconds
//	[idLen    : 2 bytes, uint16  ]
//	[id       : idLen bytes      ]
//	[reasonLen: 2 bytes, uint16  ]
//	[reason   : reasonLen bytes  ]
//	[payload  : remaining bytes  ]
//
// The format is final: only trailing optional fields may ever be added, so
// checkpoints written today stay readable by future versions.

const itemRecordVersion = 1

func marshalItem(it *types.BatchItem) []byte {
	id := []byte(it.ID)
	reason := []byte(it.Reason)
	if len(reason) > 0xFFFF {
		reason = reason[:0xFFFF]
	}

	buf := make([]byte, 1+1+2+8+2+len(id)+2+len(reason)+len(it.Payload))
	buf[0] = itemRecordVersion
	buf[1] = uint8(it.Status)
	binary.BigEndian.PutUint16(buf[2:], uint16(it.Attempts))
	binary.BigEndian.PutUint64(buf[4:], uint64(it.UpdatedAt))
	binary.BigEndian.PutUint16(buf[12:], uint16(len(id)))
	n := 14
	n += copy(buf[n:], id)
	binary.BigEndian.PutUint16(buf[n:], uint16(len(reason)))
	n += 2
	n += copy(buf[n:], reason)
	copy(buf[n:], it.Payload)
	return buf
}

func unmarshalItem(buf []byte) (*types.BatchItem, error) {
	if len(buf) < 14 {
		return nil, fmt.Errorf("%w: item record too short (%d bytes)", ErrCorrupted, len(buf))
	}
	if buf[0] != itemRecordVersion {
		return nil, fmt.Errorf("%w: unknown item record version %d", ErrCorrupted, buf[0])
	}
	if buf[1] > uint8(types.ItemSkipped) {
		return nil, fmt.Errorf("%w: unknown item status %d", ErrCorrupted, buf[1])
	}

	it := &types.BatchItem{
		Status:    types.ItemStatus(buf[1]),
		Attempts:  int(binary.BigEndian.Uint16(buf[2:])),
		UpdatedAt: int64(binary.BigEndian.Uint64(buf[4:])),
	}

	idLen := int(binary.BigEndian.Uint16(buf[12:]))
	n := 14
	if n+idLen+2 > len(buf) {
		return nil, fmt.Errorf("%w: item id length %d exceeds buffer", ErrCorrupted, idLen)
	}
	it.ID = string(buf[n : n+idLen])
	n += idLen

	reasonLen := int(binary.BigEndian.Uint16(buf[n:]))
	n += 2
	if n+reasonLen > len(buf) {
		return nil, fmt.Errorf("%w: item reason length %d exceeds buffer", ErrCorrupted, reasonLen)
	}
	it.Reason = string(buf[n : n+reasonLen])
	n += reasonLen

	if n < len(buf) {
		it.Payload = append([]byte(nil), buf[n:]...)
	}
	return it, nil
}
