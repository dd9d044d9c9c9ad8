package syncer

import (
	"context"
	"fmt"

	"github.com/VictoriaMetrics/metrics"

	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/fault"
)

var (
	commitsAppended = metrics.NewCounter(`ledgersync_commits_total{mode="append"}`)
	commitsUpdated  = metrics.NewCounter(`ledgersync_commits_total{mode="update"}`)
	commitsFailed   = metrics.NewCounter(`ledgersync_commits_total{mode="failed"}`)
)

// Committer writes single local records back to the remote
type Committer struct {
	e *Engine
}

// NewCommitter creates a committer sharing the engine's configuration and
// collaborators
func NewCommitter(e *Engine) *Committer {
	return &Committer{e: e}
}

// Commit writes item to the dataset's tab for year. Items without a row are
// appended; others overwrite their row, touching only the columns their
// fields map to. The committed item is returned clean.
//
// Archive tabs are write protected: such commits fail before any credential
// or network call.
func (c *Committer) Commit(ctx context.Context, id domain.DatasetID, year int, item domain.Record) (domain.Record, error) {
	if _, ok := domain.Spec(id); !ok {
		return item, fault.New(fault.KindNotFound, "unknown dataset %q", id)
	}
	tab := c.e.ResolveTab(id, year)
	if IsArchiveTab(tab) {
		commitsFailed.Inc()
		return item, fault.New(fault.KindWriteProtected, "%s is an archive tab", tab)
	}

	committed, err := c.commit(ctx, tab, item)
	if err != nil {
		commitsFailed.Inc()
		return item, err
	}
	return committed, nil
}

func (c *Committer) commit(ctx context.Context, tab string, item domain.Record) (domain.Record, error) {
	cred, err := c.e.deps.Auth.Acquire(ctx)
	if err != nil {
		return item, fault.Wrap(fault.KindAuth, err, "sign-in required before pushing")
	}
	client, rid := c.e.deps.Client, c.e.cfg.Tabs.ResourceID

	header, err := client.GetRange(ctx, cred.Token, rid, QuoteRange(tab, "1:1"))
	if err != nil {
		return item, fault.Wrap(fault.KindRemote, err, "failed to read %s headers", tab)
	}
	if len(header) == 0 || len(header[0]) == 0 {
		return item, fault.New(fault.KindRemote, "%s has no header row", tab)
	}
	headers := header[0]
	columns := MapFieldsToColumns(item.Fields, headers)

	if item.Row == 0 {
		row := make([]string, len(headers))
		for field, col := range columns {
			row[col] = item.Fields[field]
		}
		updated, err := client.AppendRange(ctx, cred.Token, rid, QuoteRange(tab, "A1"), [][]string{row})
		if err != nil {
			return item, fault.Wrap(fault.KindRemote, err, "failed to append to %s", tab)
		}
		rowNum, err := RowFromRange(updated)
		if err != nil {
			return item, fault.Wrap(fault.KindRemote, err, "unexpected append range")
		}
		item.Row = rowNum
		commitsAppended.Inc()
	} else {
		span := fmt.Sprintf("A%d:%s%d", item.Row, ColumnLetter(len(headers)-1), item.Row)
		current, err := client.GetRange(ctx, cred.Token, rid, QuoteRange(tab, span))
		if err != nil {
			return item, fault.Wrap(fault.KindRemote, err, "failed to read %s row %d", tab, item.Row)
		}
		row := make([]string, len(headers))
		if len(current) > 0 {
			copy(row, current[0])
		}
		for field, col := range columns {
			row[col] = item.Fields[field]
		}
		if err := client.UpdateRange(ctx, cred.Token, rid, QuoteRange(tab, span), [][]string{row}); err != nil {
			return item, fault.Wrap(fault.KindRemote, err, "failed to update %s row %d", tab, item.Row)
		}
		commitsUpdated.Inc()
	}

	item.IsDirty = false
	item.UpdatedAt = c.e.deps.Now().UTC()
	return item, nil
}

// CommitDirty commits the dirty items one by one, in order. It stops at the
// first failure; the returned slice always reflects what was committed, with
// the failed and remaining items still dirty.
func (c *Committer) CommitDirty(ctx context.Context, id domain.DatasetID, year int, items []domain.Record) ([]domain.Record, error) {
	out := append([]domain.Record(nil), items...)
	for i, item := range out {
		if !item.IsDirty {
			continue
		}
		committed, err := c.Commit(ctx, id, year, item)
		if err != nil {
			return out, err
		}
		out[i] = committed
	}
	return out, nil
}
