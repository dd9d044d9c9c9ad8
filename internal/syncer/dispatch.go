package syncer

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ledgersync/ledgersync/internal/cell"
	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/store"
)

// Dispatcher receives the records fetched for a dataset
type Dispatcher interface {
	Dispatch(ctx context.Context, id domain.DatasetID, year int, records []domain.Record) error
}

// DispatchFunc adapts a function to Dispatcher
type DispatchFunc func(ctx context.Context, id domain.DatasetID, year int, records []domain.Record) error

// Dispatch implements Dispatcher
func (f DispatchFunc) Dispatch(ctx context.Context, id domain.DatasetID, year int, records []domain.Record) error {
	return f(ctx, id, year, records)
}

// Pool is the typed cell holding one dataset's records
type Pool = cell.Cell[[]domain.Record]

// CellDispatcher keeps one persistent cell per dataset store key
type CellDispatcher struct {
	kv    store.KV
	pools *xsync.MapOf[string, *Pool]
}

var _ Dispatcher = (*CellDispatcher)(nil)

// NewCellDispatcher creates a dispatcher persisting into kv
func NewCellDispatcher(kv store.KV) *CellDispatcher {
	return &CellDispatcher{
		kv:    kv,
		pools: xsync.NewMapOf[string, *Pool](),
	}
}

// Pool returns the loaded cell of a dataset
func (d *CellDispatcher) Pool(ctx context.Context, id domain.DatasetID, year int) (*Pool, error) {
	key := domain.StoreKey(id, year)
	p, _ := d.pools.LoadOrCompute(key, func() *Pool {
		return cell.New(d.kv, key, []domain.Record{})
	})
	if err := p.LoadSync(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Pools returns the current records of ids, keyed by dataset
func (d *CellDispatcher) Pools(ctx context.Context, ids []domain.DatasetID, year int) (map[domain.DatasetID][]domain.Record, error) {
	out := make(map[domain.DatasetID][]domain.Record, len(ids))
	for _, id := range ids {
		p, err := d.Pool(ctx, id, year)
		if err != nil {
			return nil, err
		}
		out[id] = p.Value()
	}
	return out, nil
}

// Dispatch replaces the dataset's pool with records
func (d *CellDispatcher) Dispatch(ctx context.Context, id domain.DatasetID, year int, records []domain.Record) error {
	p, err := d.Pool(ctx, id, year)
	if err != nil {
		return err
	}
	return p.Set(records)
}

// Wait blocks until every pool has persisted its pending writes
func (d *CellDispatcher) Wait() {
	d.pools.Range(func(_ string, p *Pool) bool {
		p.Wait()
		return true
	})
}
