// Package syncer reconciles the local ledger cache with the remote
// spreadsheet.
//
// A pull never overwrites a dataset whose local pool holds dirty records:
// it records a conflict for that dataset instead and leaves the store
// untouched. Local edits reach the remote one record at a time through the
// Committer.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/ledgersync/ledgersync/internal/auth"
	"github.com/ledgersync/ledgersync/internal/cell"
	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/fault"
	"github.com/ledgersync/ledgersync/internal/remote"
	"github.com/ledgersync/ledgersync/internal/store"
)

// DefaultFetchRange is the A1 range fetched from every tab
const DefaultFetchRange = "A1:ZZ"

var (
	syncSuccess   = metrics.NewCounter(`ledgersync_sync_total{result="success"}`)
	syncError     = metrics.NewCounter(`ledgersync_sync_total{result="error"}`)
	syncConflict  = metrics.NewCounter(`ledgersync_sync_total{result="conflict"}`)
	conflictsSeen = metrics.NewCounter("ledgersync_sync_conflicts_total")
)

// ConflictError reports a pull refused because of unsynced local edits
type ConflictError struct {
	Record domain.ConflictRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s has %d unsynced local change(s); push them before pulling", e.Record.Dataset, e.Record.DirtyCount)
}

// Unwrap exposes the conflict fault so fault.Is(err, fault.KindConflict) holds
func (e *ConflictError) Unwrap() error {
	return fault.New(fault.KindConflict, "%s", e.Error())
}

// Config selects the spreadsheet and its layout
type Config struct {
	Tabs       domain.TabConfig
	ActiveYear int
	FetchRange string
}

// Deps are the collaborators of an Engine
type Deps struct {
	Auth       auth.Provider
	Client     remote.RangeClient
	Dispatcher Dispatcher
	// Store keeps the engine's own state (last updated, archive years, conflict)
	Store store.KV
	Now   func() time.Time
}

// Options select what a Sync call pulls
type Options struct {
	// Datasets to pull; empty means all
	Datasets []domain.DatasetID
	// Year to pull for year-partitioned datasets; zero means the active year
	Year int
	// Pools are the in-memory records checked for dirty items before each fetch
	Pools map[domain.DatasetID][]domain.Record
}

// Engine runs pulls and tab discovery
type Engine struct {
	cfg  Config
	deps Deps

	tracker *Tracker

	lastUpdated  *cell.Cell[time.Time]
	archiveYears *cell.Cell[[]int]
	conflict     *cell.Cell[*domain.ConflictRecord]

	tabsMu sync.RWMutex
	tabs   []remote.Tab

	discovering atomic.Bool
}

// NewEngine creates an engine and loads its persisted state
func NewEngine(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if deps.Auth == nil || deps.Client == nil || deps.Dispatcher == nil || deps.Store == nil {
		return nil, fmt.Errorf("engine requires auth, client, dispatcher and store")
	}
	if err := cfg.Tabs.Validate(); err != nil {
		return nil, err
	}
	if cfg.FetchRange == "" {
		cfg.FetchRange = DefaultFetchRange
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.ActiveYear == 0 {
		cfg.ActiveYear = deps.Now().Year()
	}

	e := &Engine{
		cfg:          cfg,
		deps:         deps,
		tracker:      NewTracker(),
		lastUpdated:  cell.New(deps.Store, domain.KeyLastUpdated, time.Time{}),
		archiveYears: cell.New(deps.Store, domain.KeyArchiveYears, []int{cfg.ActiveYear}),
		conflict:     cell.New[*domain.ConflictRecord](deps.Store, domain.KeySyncConflict, nil),
	}

	for _, load := range []func(context.Context) error{e.lastUpdated.LoadSync, e.archiveYears.LoadSync, e.conflict.LoadSync} {
		if err := load(ctx); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ActiveYear returns the year whose tabs are unsuffixed
func (e *Engine) ActiveYear() int { return e.cfg.ActiveYear }

// Tracker exposes the engine's status tracker
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Status returns a snapshot of the engine state
func (e *Engine) Status() domain.SyncSnapshot {
	status, lastErr := e.tracker.Status()
	return domain.SyncSnapshot{
		Status:      status,
		InFlight:    e.tracker.InFlight(),
		LastError:   lastErr,
		LastUpdated: e.lastUpdated.Value(),
		Conflict:    e.Conflict(),
	}
}

// Conflict returns the pending conflict record, if any
func (e *Engine) Conflict() *domain.ConflictRecord {
	rec := e.conflict.Value()
	if rec == nil {
		return nil
	}
	out := *rec
	return &out
}

// ClearConflict drops the pending conflict record
func (e *Engine) ClearConflict() error {
	return e.conflict.Set(nil)
}

// ArchiveYears returns the years known from the last discovery
func (e *Engine) ArchiveYears() []int {
	return append([]int(nil), e.archiveYears.Value()...)
}

// Wait blocks until the engine's state has been persisted
func (e *Engine) Wait() {
	e.lastUpdated.Wait()
	e.archiveYears.Wait()
	e.conflict.Wait()
}

// ResolveTab returns the remote tab of a dataset for year
func (e *Engine) ResolveTab(id domain.DatasetID, year int) string {
	spec, _ := domain.Spec(id)
	if year == 0 {
		year = e.cfg.ActiveYear
	}
	return ResolveTabName(e.cfg.Tabs.TabName(id), year, e.cfg.ActiveYear, e.knownTabNames(), spec.YearPartitioned)
}

func (e *Engine) knownTabNames() []string {
	e.tabsMu.RLock()
	defer e.tabsMu.RUnlock()
	names := make([]string, len(e.tabs))
	for i, t := range e.tabs {
		names[i] = t.Title
	}
	return names
}

func (e *Engine) setTabs(tabs []remote.Tab) {
	e.tabsMu.Lock()
	e.tabs = tabs
	e.tabsMu.Unlock()
}

func (e *Engine) needsTabs(ids []domain.DatasetID, year int) bool {
	if year == e.cfg.ActiveYear {
		return false
	}
	e.tabsMu.RLock()
	known := len(e.tabs) > 0
	e.tabsMu.RUnlock()
	if known {
		return false
	}
	for _, id := range ids {
		if spec, _ := domain.Spec(id); spec.YearPartitioned {
			return true
		}
	}
	return false
}

// Sync pulls the selected datasets. Datasets are fetched concurrently; the
// call returns once all have settled. Datasets pulled successfully keep
// their new data even when another dataset fails.
//
// A *ConflictError is returned when at least one dataset was refused because
// of dirty local records and no other failure occurred; the global status
// then returns to idle. Any other failure sets the status to error.
func (e *Engine) Sync(ctx context.Context, opts Options) error {
	ids := opts.Datasets
	if len(ids) == 0 {
		ids = domain.AllDatasets()
	}
	for _, id := range ids {
		if _, ok := domain.Spec(id); !ok {
			return fault.New(fault.KindNotFound, "unknown dataset %q", id)
		}
	}
	year := opts.Year
	if year == 0 {
		year = e.cfg.ActiveYear
	}

	e.tracker.setStatus(domain.StatusSigningIn)

	cred, err := e.deps.Auth.Acquire(ctx)
	if err != nil {
		err = fault.Wrap(fault.KindAuth, err, "sign-in required before syncing")
		e.tracker.fail(err.Error())
		syncError.Inc()
		return err
	}
	e.tracker.setStatus(domain.StatusSyncing)

	if e.needsTabs(ids, year) {
		if tabs, err := e.deps.Client.GetMetadata(ctx, cred.Token, e.cfg.Tabs.ResourceID); err != nil {
			log.Printf("Warning: tab discovery failed, using unresolved names: %v", err)
		} else {
			e.setTabs(tabs)
		}
	}

	e.tracker.begin(ids, e.deps.Now())

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id domain.DatasetID) {
			defer wg.Done()
			errs[i] = e.syncDataset(ctx, cred.Token, id, year, opts.Pools[id])
		}(i, id)
	}
	wg.Wait()

	var conflictErr *ConflictError
	var failure error
	for _, err := range errs {
		if err == nil {
			continue
		}
		var ce *ConflictError
		if errors.As(err, &ce) {
			if conflictErr == nil {
				conflictErr = ce
			}
			continue
		}
		if failure == nil {
			failure = err
		}
	}

	switch {
	case failure != nil:
		e.tracker.fail(failure.Error())
		syncError.Inc()
		return failure
	case conflictErr != nil:
		e.tracker.setStatus(domain.StatusIdle)
		syncConflict.Inc()
		return conflictErr
	}

	if err := e.lastUpdated.Set(e.deps.Now().UTC()); err != nil {
		log.Printf("Warning: failed to record sync time: %v", err)
	}
	e.tracker.setStatus(domain.StatusSuccess)
	syncSuccess.Inc()
	return nil
}

func (e *Engine) syncDataset(ctx context.Context, token string, id domain.DatasetID, year int, pool []domain.Record) error {
	// dirty check strictly before the fetch it gates
	if n := domain.DirtyCount(pool); n > 0 {
		rec := domain.ConflictRecord{
			Dataset:         id,
			LocalTimestamp:  latestDirty(pool, e.deps.Now()),
			RemoteTimestamp: e.lastUpdated.Value(),
			DirtyCount:      n,
		}
		if err := e.conflict.Set(&rec); err != nil {
			log.Printf("Warning: failed to record conflict for %s: %v", id, err)
		}
		conflictsSeen.Inc()
		e.tracker.done(id)
		return &ConflictError{Record: rec}
	}

	tab := e.ResolveTab(id, year)
	rows, err := e.deps.Client.GetRange(ctx, token, e.cfg.Tabs.ResourceID, QuoteRange(tab, e.cfg.FetchRange))
	if err != nil {
		return fault.Wrap(fault.KindRemote, err, "failed to fetch %s", tab)
	}

	records := ParseRows(rows, e.deps.Now().UTC())
	if err := e.deps.Dispatcher.Dispatch(ctx, id, year, records); err != nil {
		return fault.Wrap(fault.KindStoreConnection, err, "failed to store %s", id)
	}
	e.tracker.done(id)
	return nil
}

func latestDirty(pool []domain.Record, fallback time.Time) time.Time {
	var latest time.Time
	for _, r := range pool {
		if r.IsDirty && r.UpdatedAt.After(latest) {
			latest = r.UpdatedAt
		}
	}
	if latest.IsZero() {
		return fallback.UTC()
	}
	return latest
}

// Discover scans the remote tab names for archive years. The result always
// contains the active year and is persisted. A call made while a scan is
// already running returns the last known years without scanning.
func (e *Engine) Discover(ctx context.Context) ([]int, error) {
	if !e.discovering.CompareAndSwap(false, true) {
		return e.ArchiveYears(), nil
	}
	defer e.discovering.Store(false)

	cred, err := e.deps.Auth.Acquire(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuth, err, "sign-in required for discovery")
	}
	tabs, err := e.deps.Client.GetMetadata(ctx, cred.Token, e.cfg.Tabs.ResourceID)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemote, err, "failed to list tabs")
	}
	e.setTabs(tabs)

	names := make([]string, len(tabs))
	for i, t := range tabs {
		names[i] = t.Title
	}
	years := ArchiveYears(names, e.cfg.ActiveYear)
	if err := e.archiveYears.Set(years); err != nil {
		log.Printf("Warning: failed to record archive years: %v", err)
	}
	return years, nil
}
