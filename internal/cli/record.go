package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/fault"
	"github.com/ledgersync/ledgersync/internal/syncer"
)

func newRecordCommand(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Edit the local ledger cache",
		Long: `Add, change and list records of the local cache. Edits are kept locally as
unsynced until 'ledgersync push' sends them.

Example:
  ledgersync record add income --field Source=Salary --field Amount=1500
  ledgersync record set assets row-4 --field Value=250000
  ledgersync record list expenses --dirty`,
	}
	cmd.AddCommand(newRecordAddCommand(s), newRecordSetCommand(s), newRecordListCommand(s))
	return cmd
}

func parseFields(pairs []string) (map[string]string, error) {
	fields := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, want NAME=VALUE", pair)
		}
		fields[name] = value
	}
	return fields, nil
}

// amountOf reads the amount column of a field set the way pulled rows are read
func amountOf(fields map[string]string) (string, bool) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, want := range []string{"amount", "value", "balance", "total"} {
		for _, name := range names {
			if syncer.NormalizeHeader(name) == want {
				return fields[name], true
			}
		}
	}
	return "", false
}

func (s *state) guardWritable(ss *session, id domain.DatasetID, year int) error {
	tab := ss.engine.ResolveTab(id, year)
	if syncer.IsArchiveTab(tab) {
		return fault.New(fault.KindWriteProtected, "%s is an archive tab", tab)
	}
	return nil
}

func newRecordAddCommand(s *state) *cobra.Command {
	var (
		fieldArgs []string
		year      int
	)

	cmd := &cobra.Command{
		Use:   "add DATASET",
		Short: "Add a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseDatasetID(strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			fields, err := parseFields(fieldArgs)
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return fmt.Errorf("at least one --field is required")
			}

			return s.withSession(cmd.Context(), func(ss *session) error {
				if year == 0 {
					year = ss.engine.ActiveYear()
				}
				if err := s.guardWritable(ss, id, year); err != nil {
					return err
				}
				pool, err := ss.pools.Pool(cmd.Context(), id, year)
				if err != nil {
					return err
				}

				rec := domain.Record{
					ID:        uuid.NewString(),
					Fields:    fields,
					IsDirty:   true,
					UpdatedAt: s.now().UTC(),
				}
				if amount, ok := amountOf(fields); ok {
					rec.Amount = syncer.ParseAmount(amount)
				}
				if err := pool.Update(func(prev []domain.Record) []domain.Record {
					return append(append([]domain.Record(nil), prev...), rec)
				}); err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), "Added %s to %s (unsynced)\n", rec.ID, id)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&fieldArgs, "field", "f", nil, "field as NAME=VALUE (repeatable)")
	cmd.Flags().IntVar(&year, "year", 0, "year for yearly datasets (default: active year)")
	return cmd
}

func newRecordSetCommand(s *state) *cobra.Command {
	var (
		fieldArgs []string
		year      int
	)

	cmd := &cobra.Command{
		Use:   "set DATASET ID",
		Short: "Change fields of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseDatasetID(strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			fields, err := parseFields(fieldArgs)
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return fmt.Errorf("at least one --field is required")
			}

			return s.withSession(cmd.Context(), func(ss *session) error {
				if year == 0 {
					year = ss.engine.ActiveYear()
				}
				if err := s.guardWritable(ss, id, year); err != nil {
					return err
				}
				pool, err := ss.pools.Pool(cmd.Context(), id, year)
				if err != nil {
					return err
				}

				found := false
				now := s.now().UTC()
				err = pool.Update(func(prev []domain.Record) []domain.Record {
					next := append([]domain.Record(nil), prev...)
					for i := range next {
						if next[i].ID != args[1] {
							continue
						}
						merged := make(map[string]string, len(next[i].Fields)+len(fields))
						for k, v := range next[i].Fields {
							merged[k] = v
						}
						for k, v := range fields {
							merged[k] = v
						}
						next[i].Fields = merged
						if amount, ok := amountOf(merged); ok {
							next[i].Amount = syncer.ParseAmount(amount)
						}
						next[i].IsDirty = true
						next[i].UpdatedAt = now
						found = true
					}
					return next
				})
				if err != nil {
					return err
				}
				if !found {
					return fault.New(fault.KindNotFound, "no record %q in %s", args[1], id)
				}
				return writeOutput(cmd.OutOrStdout(), "Updated %s in %s (unsynced)\n", args[1], id)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&fieldArgs, "field", "f", nil, "field as NAME=VALUE (repeatable)")
	cmd.Flags().IntVar(&year, "year", 0, "year for yearly datasets (default: active year)")
	return cmd
}

func newRecordListCommand(s *state) *cobra.Command {
	var (
		year   int
		dirty  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list DATASET",
		Short: "List cached records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseDatasetID(strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			return s.withSession(cmd.Context(), func(ss *session) error {
				if year == 0 {
					year = ss.engine.ActiveYear()
				}
				pool, err := ss.pools.Pool(cmd.Context(), id, year)
				if err != nil {
					return err
				}

				records := make([]domain.Record, 0, len(pool.Value()))
				for _, r := range pool.Value() {
					if dirty && !r.IsDirty {
						continue
					}
					records = append(records, r)
				}

				if asJSON {
					return writeJSON(cmd.OutOrStdout(), records)
				}
				rows := make([][]string, 0, len(records))
				for _, r := range records {
					row := "-"
					if r.Row > 0 {
						row = strconv.Itoa(r.Row)
					}
					syncState := "synced"
					if r.IsDirty {
						syncState = "unsynced"
					}
					rows = append(rows, []string{r.ID, row, r.Amount.StringFixed(2), syncState, summarize(r.Fields)})
				}
				if err := writeTable(cmd.OutOrStdout(), []string{"ID", "ROW", "AMOUNT", "STATE", "FIELDS"}, rows); err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), "\n%d record(s) in %s\n", len(records), id)
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "year for yearly datasets (default: active year)")
	cmd.Flags().BoolVar(&dirty, "dirty", false, "only show unsynced records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func summarize(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+fields[name])
	}
	out := strings.Join(parts, " ")
	if len(out) > 60 {
		out = out[:57] + "..."
	}
	return out
}
