package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/bbolt"

	"github.com/ledgersync/ledgersync/internal/fault"
)

var (
	schemaBucket = []byte("__schema")
	versionKey   = []byte("version")
)

// handle is one database connection, shared by every caller of Open while
// it is in flight or cached.
type handle struct {
	done chan struct{}
	db   *bbolt.DB
	err  error

	// serializes schema upgrades
	mu sync.Mutex
}

// Registry caches one bbolt database per database name for the lifetime of
// the process. Callers receive it explicitly; there is no package global.
type Registry struct {
	dir     string
	timeout time.Duration
	dbs     *xsync.MapOf[string, *handle]
	closed  bool
	mu      sync.RWMutex
}

// NewRegistry creates a registry storing database files below dir
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:     dir,
		timeout: 10 * time.Second,
		dbs:     xsync.NewMapOf[string, *handle](),
	}
}

// Dir returns the directory holding the database files
func (r *Registry) Dir() string { return r.dir }

// Open returns a connection to partition of databaseName, creating the
// database and the partition when needed. Concurrent calls for the same
// database share a single open attempt.
func (r *Registry) Open(ctx context.Context, databaseName string, schemaVersion int, partition string) (*Conn, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fault.Wrap(fault.KindStoreConnection, ErrRegistryClosed, "open %s/%s", databaseName, partition)
	}
	if databaseName == "" || partition == "" {
		return nil, fault.New(fault.KindStoreConnection, "database and partition names are required")
	}

	h, loaded := r.dbs.LoadOrCompute(databaseName, func() *handle {
		return &handle{done: make(chan struct{})}
	})
	if !loaded {
		go r.connect(databaseName, h)
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if h.err != nil {
		r.evict(databaseName, h)
		return nil, fault.Wrap(fault.KindStoreConnection, h.err, "open database %s (partition %s)", databaseName, partition)
	}

	if err := r.ensurePartition(h, schemaVersion, partition); err != nil {
		r.evict(databaseName, h)
		return nil, fault.Wrap(fault.KindStoreConnection, err, "upgrade database %s (partition %s)", databaseName, partition)
	}

	return &Conn{
		registry:  r,
		database:  databaseName,
		partition: []byte(partition),
		h:         h,
	}, nil
}

func (r *Registry) connect(name string, h *handle) {
	defer close(h.done)

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		h.err = fmt.Errorf("failed to create data directory: %w", err)
		return
	}

	path := filepath.Join(r.dir, name+".db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: r.timeout})
	if err != nil {
		h.err = fmt.Errorf("failed to open database file: %w", err)
		return
	}
	if err := EnsureFilePermissions(path); err != nil {
		log.Printf("Warning: failed to tighten permissions on %s: %v", path, err)
	}
	h.db = db
}

// ensurePartition runs the schema upgrade when the stored version is older
// than the requested one or the partition does not exist yet.
func (r *Registry) ensurePartition(h *handle, version int, partition string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := []byte(partition)
	needsUpgrade := false
	err := h.db.View(func(tx *bbolt.Tx) error {
		stored := storedVersion(tx)
		if stored > uint64(version) {
			return fmt.Errorf("%w: stored %d, requested %d", ErrVersionConflict, stored, version)
		}
		needsUpgrade = stored < uint64(version) || tx.Bucket(name) == nil
		return nil
	})
	if err != nil || !needsUpgrade {
		return err
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(schemaBucket)
		if err != nil {
			return fmt.Errorf("failed to create schema bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", partition, err)
		}
		if storedVersion(tx) < uint64(version) {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(version))
			return meta.Put(versionKey, buf)
		}
		return nil
	})
}

func storedVersion(tx *bbolt.Tx) uint64 {
	meta := tx.Bucket(schemaBucket)
	if meta == nil {
		return 0
	}
	raw := meta.Get(versionKey)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// evict drops h from the cache (if it is still the cached entry) and closes it
func (r *Registry) evict(name string, h *handle) {
	r.dbs.Compute(name, func(old *handle, loaded bool) (*handle, bool) {
		return old, !loaded || old == h
	})
	if h.db != nil {
		if err := h.db.Close(); err != nil && !errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			log.Printf("Warning: failed to close database %s: %v", name, err)
		}
	}
}

// Close closes every cached database. Further Open calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	r.dbs.Range(func(name string, h *handle) bool {
		<-h.done
		if h.db != nil {
			if err := h.db.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to close database %s: %w", name, err)
			}
		}
		r.dbs.Delete(name)
		return true
	})
	return firstErr
}

// Conn is a connection to one partition of a database
type Conn struct {
	registry  *Registry
	database  string
	partition []byte
	h         *handle
}

// Database returns the database name
func (c *Conn) Database() string { return c.database }

// Partition returns the partition name
func (c *Conn) Partition() string { return string(c.partition) }

func (c *Conn) view(ctx context.Context, op string, fn func(b *bbolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.h.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.partition)
		if b == nil {
			return ErrPartitionMissing
		}
		return fn(b)
	})
	return c.classify(op, err)
}

func (c *Conn) update(ctx context.Context, op string, fn func(b *bbolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.h.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.partition)
		if b == nil {
			return ErrPartitionMissing
		}
		return fn(b)
	})
	return c.classify(op, err)
}

// classify maps bbolt and OS errors onto the fault taxonomy. A closed
// database evicts the cached handle so that the next Open re-opens it.
func (c *Conn) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, bbolt.ErrDatabaseNotOpen):
		c.registry.evict(c.database, c.h)
		return fault.Wrap(fault.KindStoreConnection, ErrConnectionClosed, "%s on %s/%s", op, c.database, c.partition)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, bbolt.ErrValueTooLarge), errors.Is(err, bbolt.ErrKeyTooLarge):
		return fault.Wrap(fault.KindQuota, err, "%s on %s/%s", op, c.database, c.partition)
	default:
		return fault.Wrap(fault.KindStoreConnection, err, "%s on %s/%s", op, c.database, c.partition)
	}
}

// Get returns a copy of the value stored under key
func (c *Conn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := c.view(ctx, "get", func(b *bbolt.Bucket) error {
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return value, found, err
}

// Put stores value under key
func (c *Conn) Put(ctx context.Context, key string, value []byte) error {
	return c.update(ctx, "put", func(b *bbolt.Bucket) error {
		return b.Put([]byte(key), value)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Conn) Delete(ctx context.Context, key string) error {
	return c.update(ctx, "delete", func(b *bbolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

// GetAll returns every key and value of the partition in key order
func (c *Conn) GetAll(ctx context.Context) ([]string, [][]byte, error) {
	var keys []string
	var values [][]byte
	err := c.Scan(ctx, func(k, v []byte) error {
		keys = append(keys, string(k))
		values = append(values, v)
		return nil
	})
	return keys, values, err
}

// Scan calls fn for every entry in key order. k and v are copies.
func (c *Conn) Scan(ctx context.Context, fn func(k, v []byte) error) error {
	return c.view(ctx, "scan", func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			if v == nil {
				return nil
			}
			return fn(append([]byte(nil), k...), append([]byte(nil), v...))
		})
	})
}

// PutBatch writes all entries in a single transaction
func (c *Conn) PutBatch(ctx context.Context, entries map[string][]byte) error {
	return c.update(ctx, "put batch", func(b *bbolt.Bucket) error {
		return putSorted(b, entries)
	})
}

// ReplacePrefix makes the keys starting with prefix equal to entries, in one
// transaction: keys with the prefix missing from entries are deleted.
func (c *Conn) ReplacePrefix(ctx context.Context, prefix string, entries map[string][]byte) error {
	return c.update(ctx, "replace prefix", func(b *bbolt.Bucket) error {
		var stale [][]byte
		p := []byte(prefix)
		cur := b.Cursor()
		for k, _ := cur.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cur.Next() {
			if _, keep := entries[string(k)]; !keep {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return putSorted(b, entries)
	})
}

func putSorted(b *bbolt.Bucket, entries map[string][]byte) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := b.Put([]byte(k), entries[k]); err != nil {
			return fmt.Errorf("failed to store %s: %w", k, err)
		}
	}
	return nil
}

// Append stores value under the next sequence number of the partition
func (c *Conn) Append(ctx context.Context, value []byte) (uint64, error) {
	var seq uint64
	err := c.update(ctx, "append", func(b *bbolt.Bucket) error {
		var err error
		seq, err = b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, value)
	})
	return seq, err
}
