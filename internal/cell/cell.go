// Package cell binds one store key to one typed in-memory value.
//
// A Cell loads its key asynchronously and refuses writes until the load has
// completed, so a default value can never clobber a previously persisted one.
// Once loaded, writes update memory synchronously and persist in the
// background; persistence failures are reported through the error hook,
// the log and a metric, never to the writer.
package cell

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/ledgersync/ledgersync/internal/fault"
	"github.com/ledgersync/ledgersync/internal/store"
)

var persistErrors = metrics.NewCounter("ledgersync_cell_persist_errors_total")

// ErrNotLoaded is returned by writes issued before the initial load completed
var ErrNotLoaded = fault.New(fault.KindLoadLock, "load not complete")

// Option configures a Cell
type Option func(*options)

type options struct {
	onError func(key string, err error)
}

// WithErrorHook registers a callback receiving background load/persist failures
func WithErrorHook(fn func(key string, err error)) Option {
	return func(o *options) { o.onError = fn }
}

// Cell is a typed, persisted value
type Cell[T any] struct {
	kv   store.KV
	key  string
	opts options

	mu      sync.RWMutex
	value   T
	loaded  bool
	version uint64

	loadMu   sync.Mutex
	inflight *attempt
	ready    chan struct{}

	// writeMu orders background persists; written is the last persisted version
	writeMu sync.Mutex
	written uint64
	pending sync.WaitGroup
}

// New creates a cell for key holding def until the stored value is loaded
func New[T any](kv store.KV, key string, def T, opts ...Option) *Cell[T] {
	c := &Cell[T]{
		kv:    kv,
		key:   key,
		value: def,
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c
}

// Key returns the bound store key
func (c *Cell[T]) Key() string { return c.key }

// Load starts loading the stored value unless the cell is already loaded or
// a load is in flight. The returned channel is closed once that attempt has
// finished; a failed attempt leaves the cell unloaded and a later call
// retries.
func (c *Cell[T]) Load(ctx context.Context) <-chan struct{} {
	if a := c.start(ctx); a != nil {
		return a.done
	}
	return c.ready
}

// LoadSync loads the stored value and waits for completion
func (c *Cell[T]) LoadSync(ctx context.Context) error {
	a := c.start(ctx)
	if a == nil {
		return nil
	}
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type attempt struct {
	done chan struct{}
	err  error
}

// start returns the in-flight load attempt, or nil once loaded
func (c *Cell[T]) start(ctx context.Context) *attempt {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.IsLoaded() {
		return nil
	}
	if c.inflight == nil {
		a := &attempt{done: make(chan struct{})}
		c.inflight = a
		go c.load(ctx, a)
	}
	return c.inflight
}

func (c *Cell[T]) load(ctx context.Context, a *attempt) {
	a.err = c.fetch(ctx)
	if a.err != nil {
		c.report(a.err)
	}
	c.loadMu.Lock()
	c.inflight = nil
	c.loadMu.Unlock()
	close(a.done)
}

func (c *Cell[T]) fetch(ctx context.Context) error {
	raw, found, err := c.kv.Get(ctx, c.key)
	if err != nil {
		// the stored value may still exist, stay unloaded so no write can
		// replace it
		return fault.Wrap(fault.KindLoadLock, err, "load %s", c.key)
	}

	if found {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			c.report(fmt.Errorf("decode %s: %w", c.key, err))
		} else {
			c.mu.Lock()
			c.value = v
			c.mu.Unlock()
		}
		c.markLoaded()
		return nil
	}

	// write the default back before accepting writes, so it cannot land
	// after a later replacement of the key
	c.mu.Lock()
	def := c.value
	c.version++
	version := c.version
	c.mu.Unlock()
	if raw, err := json.Marshal(def); err != nil {
		c.report(fmt.Errorf("encode %s: %w", c.key, err))
	} else {
		c.writeMu.Lock()
		if err := c.kv.Put(ctx, c.key, raw); err != nil {
			c.report(fmt.Errorf("persist %s: %w", c.key, err))
		} else {
			c.written = version
		}
		c.writeMu.Unlock()
	}
	c.markLoaded()
	return nil
}

func (c *Cell[T]) markLoaded() {
	c.mu.Lock()
	c.loaded = true
	c.mu.Unlock()
	close(c.ready)
}

// Loaded returns a channel closed once the initial load has succeeded
func (c *Cell[T]) Loaded() <-chan struct{} { return c.ready }

// IsLoaded reports whether the initial load has completed
func (c *Cell[T]) IsLoaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Value returns the current in-memory value
func (c *Cell[T]) Value() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set replaces the value
func (c *Cell[T]) Set(v T) error {
	return c.Update(func(T) T { return v })
}

// Update replaces the value with fn(previous). The new value is visible
// immediately; persistence happens in the background.
func (c *Cell[T]) Update(fn func(prev T) T) error {
	c.mu.Lock()
	if !c.loaded {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	c.value = fn(c.value)
	c.version++
	v, version := c.value, c.version
	c.mu.Unlock()

	c.persist(v, version)
	return nil
}

func (c *Cell[T]) persist(v T, version uint64) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.report(fmt.Errorf("encode %s: %w", c.key, err))
		return
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if version <= c.written {
			return // a newer value is already on disk
		}
		if err := c.kv.Put(context.Background(), c.key, raw); err != nil {
			c.report(fmt.Errorf("persist %s: %w", c.key, err))
			return
		}
		c.written = version
	}()
}

// Wait blocks until every queued persist has finished
func (c *Cell[T]) Wait() {
	c.pending.Wait()
}

func (c *Cell[T]) report(err error) {
	persistErrors.Inc()
	log.Printf("Warning: %v", err)
	if c.opts.onError != nil {
		c.opts.onError(c.key, err)
	}
}
