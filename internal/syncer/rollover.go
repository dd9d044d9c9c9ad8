package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/fault"
	"github.com/ledgersync/ledgersync/internal/remote"
)

type duplicateSheet struct {
	DuplicateSheet struct {
		SourceSheetID int64  `json:"sourceSheetId"`
		NewSheetName  string `json:"newSheetName"`
	} `json:"duplicateSheet"`
}

// Rollover snapshots the active tabs of every year-partitioned dataset into
// archive tabs named "<base>-YY" for year. Tabs that already exist are left
// alone. The created tab names are returned in dataset order.
func (e *Engine) Rollover(ctx context.Context, year int) ([]string, error) {
	if year <= 0 || year >= e.cfg.ActiveYear {
		return nil, fmt.Errorf("rollover year %d must precede the active year %d", year, e.cfg.ActiveYear)
	}

	cred, err := e.deps.Auth.Acquire(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuth, err, "sign-in required for rollover")
	}
	tabs, err := e.deps.Client.GetMetadata(ctx, cred.Token, e.cfg.Tabs.ResourceID)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemote, err, "failed to list tabs")
	}
	e.setTabs(tabs)

	byTitle := make(map[string]remote.Tab, len(tabs))
	for _, t := range tabs {
		byTitle[t.Title] = t
	}

	var requests []json.RawMessage
	var created []string
	for _, id := range domain.AllDatasets() {
		spec, _ := domain.Spec(id)
		if !spec.YearPartitioned {
			continue
		}
		base := e.cfg.Tabs.TabName(id)
		src, ok := byTitle[base]
		if !ok {
			log.Printf("Warning: no active tab %q for %s, skipping", base, id)
			continue
		}
		target := e.ResolveTab(id, year)
		if _, exists := byTitle[target]; exists {
			continue
		}

		var req duplicateSheet
		req.DuplicateSheet.SourceSheetID = src.ID
		req.DuplicateSheet.NewSheetName = target
		raw, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		requests = append(requests, raw)
		created = append(created, target)
	}
	if len(requests) == 0 {
		return nil, nil
	}

	if err := e.deps.Client.BatchStructuralUpdate(ctx, cred.Token, e.cfg.Tabs.ResourceID, requests); err != nil {
		return nil, fault.Wrap(fault.KindRemote, err, "failed to create archive tabs")
	}

	err = e.archiveYears.Update(func(prev []int) []int {
		for _, y := range prev {
			if y == year {
				return prev
			}
		}
		years := append(append([]int(nil), prev...), year)
		sort.Sort(sort.Reverse(sort.IntSlice(years)))
		return years
	})
	if err != nil {
		log.Printf("Warning: failed to record archive years: %v", err)
	}
	// names of the new tabs are only known to the remote after a rescan
	e.setTabs(nil)
	return created, nil
}
