package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/domain"
)

func putRecords(t *testing.T, kv interface {
	Put(context.Context, string, []byte) error
}, key string, records []domain.Record) {
	t.Helper()
	raw, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, kv.Put(context.Background(), key, raw))
}

func TestParseStoreKey(t *testing.T) {
	for _, id := range domain.AllDatasets() {
		id2, year, ok := ParseStoreKey(domain.StoreKey(id, 2024))
		require.True(t, ok, id)
		assert.Equal(t, id, id2)

		spec, _ := domain.Spec(id)
		if spec.YearPartitioned {
			assert.Equal(t, 2024, year)
		} else {
			assert.Zero(t, year)
		}
	}

	for _, key := range []string{domain.KeyLastUpdated, domain.KeyArchiveYears, "ledger_income", "ledger_income_x", "kb_profile", "assets"} {
		_, _, ok := ParseStoreKey(key)
		assert.False(t, ok, key)
	}
}

func TestArchiveMetadata(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	early := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC)

	putRecords(t, conn, domain.StoreKey(domain.Income, 2024), []domain.Record{{ID: "a", UpdatedAt: early}, {ID: "b", UpdatedAt: late}})
	putRecords(t, conn, domain.StoreKey(domain.Expenses, 2024), []domain.Record{{ID: "c", UpdatedAt: early}})
	putRecords(t, conn, domain.StoreKey(domain.Transactions, 2023), []domain.Record{{ID: "d", UpdatedAt: early}})
	putRecords(t, conn, domain.StoreKey(domain.Transactions, 2024), []domain.Record{})
	putRecords(t, conn, domain.StoreKey(domain.Assets, 0), []domain.Record{{ID: "e"}})
	require.NoError(t, conn.Put(ctx, domain.KeyLastUpdated, []byte(`"2025-01-01T00:00:00Z"`)))
	require.NoError(t, conn.Put(ctx, domain.StoreKey(domain.Debts, 0), []byte(`not json`)))

	got, err := ArchiveMetadata(ctx, conn)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 2024, got[0].Year)
	assert.Equal(t, 3, got[0].RecordCount)
	assert.False(t, got[0].HasDetail)
	assert.True(t, got[0].LastUpdated.Equal(late))

	assert.Equal(t, 2023, got[1].Year)
	assert.Equal(t, 1, got[1].RecordCount)
	assert.True(t, got[1].HasDetail)
	assert.True(t, got[1].LastUpdated.Equal(early))

	assert.Equal(t, 0, got[2].Year)
	assert.Equal(t, 1, got[2].RecordCount)
}

func TestCellDispatcher(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	d := NewCellDispatcher(conn)
	records := []domain.Record{{ID: "row-2", Row: 2, Fields: map[string]string{"Name": "House"}}}
	require.NoError(t, d.Dispatch(ctx, domain.Income, 2024, records))

	pool, err := d.Pool(ctx, domain.Income, 2024)
	require.NoError(t, err)
	assert.Equal(t, domain.StoreKey(domain.Income, 2024), pool.Key())
	assert.Equal(t, records, pool.Value())

	other, err := d.Pool(ctx, domain.Income, 2025)
	require.NoError(t, err)
	assert.Empty(t, other.Value())
	d.Wait()

	fresh := NewCellDispatcher(conn)
	pools, err := fresh.Pools(ctx, []domain.DatasetID{domain.Income}, 2024)
	require.NoError(t, err)
	require.Len(t, pools[domain.Income], 1)
	assert.Equal(t, "House", pools[domain.Income][0].Fields["Name"])
	fresh.Wait()
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	status, lastErr := tr.Status()
	assert.Equal(t, domain.StatusIdle, status)
	assert.Empty(t, lastErr)

	tr.setStatus(domain.StatusSyncing)
	tr.begin([]domain.DatasetID{domain.Income, domain.Assets}, time.Now())
	assert.Equal(t, []domain.DatasetID{domain.Assets, domain.Income}, tr.InFlight())
	assert.True(t, tr.IsInFlight(domain.Income))

	tr.done(domain.Income)
	assert.False(t, tr.IsInFlight(domain.Income))

	tr.fail("remote unavailable")
	status, lastErr = tr.Status()
	assert.Equal(t, domain.StatusError, status)
	assert.Equal(t, "remote unavailable", lastErr)
	assert.Empty(t, tr.InFlight())

	tr.setStatus(domain.StatusSuccess)
	_, lastErr = tr.Status()
	assert.Empty(t, lastErr)
}
