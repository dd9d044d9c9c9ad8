package syncer

import (
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ledgersync/ledgersync/internal/domain"
)

// Tracker holds the global sync status and the set of datasets in flight.
// Only the Engine mutates it.
type Tracker struct {
	mu        sync.RWMutex
	status    domain.SyncStatus
	lastError string

	inFlight *xsync.MapOf[domain.DatasetID, time.Time]
}

// NewTracker creates an idle tracker
func NewTracker() *Tracker {
	return &Tracker{
		status:   domain.StatusIdle,
		inFlight: xsync.NewMapOf[domain.DatasetID, time.Time](),
	}
}

func (t *Tracker) setStatus(s domain.SyncStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
	if s != domain.StatusError {
		t.lastError = ""
	}
}

func (t *Tracker) fail(msg string) {
	t.mu.Lock()
	t.status = domain.StatusError
	t.lastError = msg
	t.mu.Unlock()
	t.inFlight.Clear()
}

func (t *Tracker) begin(ids []domain.DatasetID, now time.Time) {
	for _, id := range ids {
		t.inFlight.Store(id, now)
	}
}

func (t *Tracker) done(id domain.DatasetID) {
	t.inFlight.Delete(id)
}

// Status returns the global status and the last error message
func (t *Tracker) Status() (domain.SyncStatus, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status, t.lastError
}

// InFlight returns the datasets currently being synchronized, sorted
func (t *Tracker) InFlight() []domain.DatasetID {
	var ids []domain.DatasetID
	t.inFlight.Range(func(id domain.DatasetID, _ time.Time) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsInFlight reports whether id is being synchronized
func (t *Tracker) IsInFlight(id domain.DatasetID) bool {
	_, ok := t.inFlight.Load(id)
	return ok
}
