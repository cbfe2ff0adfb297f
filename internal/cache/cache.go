// Package cache is a persistent TTL cache for remote API reads, backed by a
// single bbolt file.
//
// # Keys
//
// Entries are addressed by (category, id), stored as "category/id". The
// category groups entries that expire and invalidate together, for example
// "issue" or "user". Category names follow the same rules as DNS labels:
// lowercase alphanumerics and hyphens, max 64 characters. IDs are free-form
// but must not contain a slash.
//
// # Expiry
//
// Entries are evicted lazily. An expired entry is removed when a read touches
// it, and every Nth put sweeps the whole bucket inside the same transaction.
// Nothing runs in the background, so a Cache adds no goroutines to the host
// process. A crash can therefore leave expired entries on disk; they are
// invisible to readers and get cleaned up by later writes.
//
// bbolt is the backing store because it is pure Go, ACID, and a single file,
// so a half-written entry can never be observed even after a crash.
package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ratchet-labs/ratchet/internal/metrics"
)

var bucketEntries = []byte("entries")

// ErrInvalidKey is returned (wrapped) when a category or id does not satisfy
// the key rules.
var ErrInvalidKey = errors.New("cache: invalid key")

// categoryRe validates category names: lowercase alphanumerics and hyphens,
// must start with an alphanumeric, max 64 chars.
var categoryRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// maxIDLen bounds the id component of a key.
const maxIDLen = 512

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL sets the TTL applied when Put is called with ttl <= 0.
// The default is 15 minutes.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithSweepEvery makes every nth Put sweep expired entries from the bucket.
// The default is every 128 puts; n < 1 disables the opportunistic sweep.
func WithSweepEvery(n int) Option {
	return func(c *Cache) { c.sweepEvery = n }
}

// WithMetrics attaches a metrics registry. Hits and misses are counted on it
// by category.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Cache) { c.metrics = m }
}

// ─── Cache ────────────────────────────────────────────────────────────────────

// Cache is a persistent TTL cache. All methods are safe for concurrent use.
type Cache struct {
	db         *bbolt.DB
	defaultTTL time.Duration
	sweepEvery int
	metrics    *metrics.Registry

	puts   atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64

	closeOnce sync.Once
}

// Open opens (or creates) the cache database at path. The parent directory
// must already exist.
func Open(path string, opts ...Option) (*Cache, error) {
	opts2 := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts2)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: init bucket: %w", err)
	}

	c := &Cache{
		db:         db,
		defaultTTL: 15 * time.Minute,
		sweepEvery: 128,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close closes the underlying database. Safe to call multiple times.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.db.Close()
	})
	return err
}

// ─── Read path ────────────────────────────────────────────────────────────────

// Get returns the cached value for (category, id). The second return is false
// when the entry is absent or expired. Expired and undecodable entries are
// removed on the way out.
func (c *Cache) Get(category, id string) ([]byte, bool, error) {
	key, err := makeKey(category, id)
	if err != nil {
		return nil, false, err
	}

	var (
		val   []byte
		found bool
		dead  bool
	)
	err = c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(key)
		if raw == nil {
			return nil
		}
		exp, value, derr := unmarshalRecord(raw)
		if derr != nil || exp <= time.Now().UnixMilli() {
			dead = true
			return nil
		}
		// Copy out: bbolt values are only valid inside the transaction.
		val = append([]byte(nil), value...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}

	if dead {
		_ = c.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketEntries)
			raw := b.Get(key)
			if raw == nil {
				return nil
			}
			// A Put may have refreshed the entry between the read transaction
			// and this one; only remove it if it is still expired.
			if exp, _, derr := unmarshalRecord(raw); derr == nil && exp > time.Now().UnixMilli() {
				return nil
			}
			return b.Delete(key)
		})
	}

	if !found {
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc(category)
		}
		return nil, false, nil
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.Inc(category)
	}
	return val, true, nil
}

// ─── Write path ───────────────────────────────────────────────────────────────

// Put stores value under (category, id) for ttl. A ttl <= 0 uses the cache's
// default. An existing entry is overwritten with a fresh expiry.
func (c *Cache) Put(category, id string, value []byte, ttl time.Duration) error {
	key, err := makeKey(category, id)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	rec := marshalRecord(now.UnixMilli(), now.Add(ttl).UnixMilli(), value)

	sweep := c.sweepEvery > 0 && c.puts.Add(1)%int64(c.sweepEvery) == 0
	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if err := b.Put(key, rec); err != nil {
			return err
		}
		if sweep {
			sweepBucket(b, now.UnixMilli())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}
	return nil
}

// Invalidate removes the entry for (category, id). Removing an absent entry
// is not an error.
func (c *Cache) Invalidate(category, id string) error {
	key, err := makeKey(category, id)
	if err != nil {
		return err
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", key, err)
	}
	return nil
}

// InvalidateCategory removes every entry in the category and returns how many
// were removed.
func (c *Cache) InvalidateCategory(category string) (int, error) {
	if !categoryRe.MatchString(category) {
		return 0, fmt.Errorf("%w: category %q", ErrInvalidKey, category)
	}

	prefix := []byte(category + "/")
	removed := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		cur := b.Cursor()

		// Collect first, delete after: mutating a bucket mid-iteration is not
		// supported by bbolt cursors.
		var dead [][]byte
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			dead = append(dead, append([]byte(nil), k...))
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cache: invalidate category %s: %w", category, err)
	}
	return removed, nil
}

// Clear removes every entry in the cache.
func (c *Cache) Clear() error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
	if err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

// Sweep removes all expired entries now and returns how many were removed.
// Normally the opportunistic sweep on Put keeps the file tidy; Sweep exists
// for explicit maintenance from the CLI.
func (c *Cache) Sweep() (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		removed = sweepBucket(tx.Bucket(bucketEntries), time.Now().UnixMilli())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache: sweep: %w", err)
	}
	return removed, nil
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// CategoryStats is the per-category slice of Stats.
type CategoryStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// Stats is a point-in-time view of the cache contents and its hit ratio since
// the process started. Expired entries still on disk are not counted.
type Stats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`

	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`

	Categories map[string]CategoryStats `json:"categories,omitempty"`
}

// Stats scans the cache and returns entry counts and sizes by category.
func (c *Cache) Stats() (Stats, error) {
	st := Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Categories: make(map[string]CategoryStats),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}

	nowMs := time.Now().UnixMilli()
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			exp, value, derr := unmarshalRecord(v)
			if derr != nil || exp <= nowMs {
				return nil
			}
			st.Entries++
			st.SizeBytes += int64(len(value))

			category, _, _ := strings.Cut(string(k), "/")
			cs := st.Categories[category]
			cs.Entries++
			cs.SizeBytes += int64(len(value))
			st.Categories[category] = cs
			return nil
		})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cache: stats: %w", err)
	}
	return st, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// makeKey validates the parts and joins them as "category/id".
func makeKey(category, id string) ([]byte, error) {
	if !categoryRe.MatchString(category) {
		return nil, fmt.Errorf("%w: category %q", ErrInvalidKey, category)
	}
	if id == "" || len(id) > maxIDLen || strings.Contains(id, "/") {
		return nil, fmt.Errorf("%w: id %q", ErrInvalidKey, id)
	}
	return []byte(category + "/" + id), nil
}

// sweepBucket deletes every expired or undecodable entry. Keys are collected
// before deleting because the bucket must not change under ForEach.
func sweepBucket(b *bbolt.Bucket, nowMs int64) int {
	var dead [][]byte
	_ = b.ForEach(func(k, v []byte) error {
		exp, _, err := unmarshalRecord(v)
		if err != nil || exp <= nowMs {
			dead = append(dead, append([]byte(nil), k...))
		}
		return nil
	})
	for _, k := range dead {
		_ = b.Delete(k)
	}
	return len(dead)
}

// ---- serialisation helpers -------------------------------------------------
// A cache record is a compact binary structure:
//
//	[version   : 1 byte          ]
//	[insertedAt: 8 bytes, int64  ]  UTC milliseconds
//	[expiresAt : 8 bytes, int64  ]  UTC milliseconds
//	[value     : remaining bytes ]
//
// Undecodable records are treated as expired and removed, never surfaced:
// a cache can always be refilled from the source of truth.

const recordVersion = 1

func marshalRecord(insertedMs, expiresMs int64, value []byte) []byte {
	buf := make([]byte, 1+8+8+len(value))
	buf[0] = recordVersion
	binary.BigEndian.PutUint64(buf[1:], uint64(insertedMs))
	binary.BigEndian.PutUint64(buf[9:], uint64(expiresMs))
	copy(buf[17:], value)
	return buf
}

func unmarshalRecord(buf []byte) (expiresMs int64, value []byte, err error) {
	if len(buf) < 17 {
		return 0, nil, fmt.Errorf("cache: record too short (%d bytes)", len(buf))
	}
	if buf[0] != recordVersion {
		return 0, nil, fmt.Errorf("cache: unknown record version %d", buf[0])
	}
	return int64(binary.BigEndian.Uint64(buf[9:])), buf[17:], nil
}
