package syncer

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/store"
)

// ParseStoreKey is the inverse of domain.StoreKey. Global datasets report
// year 0.
func ParseStoreKey(key string) (domain.DatasetID, int, bool) {
	rest, ok := strings.CutPrefix(key, domain.KeyPrefix)
	if !ok {
		return "", 0, false
	}
	for _, id := range domain.AllDatasets() {
		spec, _ := domain.Spec(id)
		if !spec.YearPartitioned {
			if rest == spec.Entity {
				return id, 0, true
			}
			continue
		}
		suffix, ok := strings.CutPrefix(rest, spec.Entity+"_")
		if !ok {
			continue
		}
		year, err := strconv.Atoi(suffix)
		if err != nil || year <= 0 {
			continue
		}
		return id, year, true
	}
	return "", 0, false
}

// ArchiveMetadata summarises the locally cached data per year, newest year
// first. Global datasets are reported under year 0, last.
func ArchiveMetadata(ctx context.Context, part store.Partition) ([]domain.ArchiveMetadata, error) {
	keys, values, err := part.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	byYear := map[int]*domain.ArchiveMetadata{}
	for i, key := range keys {
		id, year, ok := ParseStoreKey(key)
		if !ok {
			continue
		}
		var records []domain.Record
		if err := json.Unmarshal(values[i], &records); err != nil {
			log.Printf("Warning: skipping unreadable dataset %s: %v", key, err)
			continue
		}

		meta, ok := byYear[year]
		if !ok {
			meta = &domain.ArchiveMetadata{Year: year}
			byYear[year] = meta
		}
		meta.RecordCount += len(records)
		if id == domain.Transactions && len(records) > 0 {
			meta.HasDetail = true
		}
		for _, r := range records {
			if r.UpdatedAt.After(meta.LastUpdated) {
				meta.LastUpdated = r.UpdatedAt
			}
		}
	}

	out := make([]domain.ArchiveMetadata, 0, len(byYear))
	for _, meta := range byYear {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year == 0 || out[j].Year == 0 {
			return out[j].Year == 0 && out[i].Year != 0
		}
		return out[i].Year > out[j].Year
	})
	return out, nil
}
