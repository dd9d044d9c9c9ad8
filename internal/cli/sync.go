package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/syncer"
)

func parseDatasets(args []string) ([]domain.DatasetID, error) {
	if len(args) == 0 {
		return domain.AllDatasets(), nil
	}
	ids := make([]domain.DatasetID, 0, len(args))
	for _, arg := range args {
		id, err := domain.ParseDatasetID(strings.ToLower(arg))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newSyncCommand(s *state) *cobra.Command {
	var year int

	cmd := &cobra.Command{
		Use:   "sync [dataset...]",
		Short: "Pull datasets from the spreadsheet",
		Long: `Pull datasets from the spreadsheet into the local cache.

Datasets holding unsynced local edits are not pulled; a conflict is recorded
instead. Push the local edits first, then sync again.

Example:
  ledgersync sync
  ledgersync sync income expenses --year 2023`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseDatasets(args)
			if err != nil {
				return err
			}
			return s.withSession(cmd.Context(), func(ss *session) error {
				return runSync(cmd, s, ss, ids, year)
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "year to pull for yearly datasets (default: active year)")
	return cmd
}

func runSync(cmd *cobra.Command, s *state, ss *session, ids []domain.DatasetID, year int) error {
	ctx := cmd.Context()
	if year == 0 {
		year = ss.engine.ActiveYear()
	}

	pools, err := ss.pools.Pools(ctx, ids, year)
	if err != nil {
		return err
	}

	s.logf(cmd, "syncing %d dataset(s) for %d", len(ids), year)
	err = ss.engine.Sync(ctx, syncer.Options{Datasets: ids, Year: year, Pools: pools})
	ss.record(ctx, "sync", "", fmt.Sprintf("%d dataset(s), year %d", len(ids), year), err)

	var conflict *syncer.ConflictError
	if err != nil && !errors.As(err, &conflict) {
		return err
	}

	out := cmd.OutOrStdout()
	for _, id := range ids {
		if conflict != nil && conflict.Record.Dataset == id {
			if werr := writeOutput(out, "%-14s skipped (%d unsynced)\n", id, conflict.Record.DirtyCount); werr != nil {
				return werr
			}
			continue
		}
		pool, perr := ss.pools.Pool(ctx, id, year)
		if perr != nil {
			return perr
		}
		if werr := writeOutput(out, "%-14s %d record(s)\n", id, len(pool.Value())); werr != nil {
			return werr
		}
	}
	return err
}

func newDiscoverCommand(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Find archive years on the spreadsheet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSession(cmd.Context(), func(ss *session) error {
				years, err := ss.engine.Discover(cmd.Context())
				if err != nil {
					return err
				}
				parts := make([]string, len(years))
				for i, y := range years {
					parts[i] = strconv.Itoa(y)
				}
				return writeOutput(cmd.OutOrStdout(), "Years: %s\n", strings.Join(parts, ", "))
			})
		},
	}
}

func newPushCommand(s *state) *cobra.Command {
	var year int

	cmd := &cobra.Command{
		Use:   "push [dataset...]",
		Short: "Send unsynced local edits to the spreadsheet",
		Long: `Send unsynced local edits to the spreadsheet, one record at a time.

A failure stops the push; records already sent stay clean and the others
keep their unsynced state so the push can be repeated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseDatasets(args)
			if err != nil {
				return err
			}
			return s.withSession(cmd.Context(), func(ss *session) error {
				return runPush(cmd, ss, ids, year)
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "year of the yearly datasets to push (default: active year)")
	return cmd
}

func runPush(cmd *cobra.Command, ss *session, ids []domain.DatasetID, year int) error {
	ctx := cmd.Context()
	if year == 0 {
		year = ss.engine.ActiveYear()
	}

	for _, id := range ids {
		pool, err := ss.pools.Pool(ctx, id, year)
		if err != nil {
			return err
		}
		before := pool.Value()
		dirty := domain.DirtyCount(before)
		if dirty == 0 {
			continue
		}

		after, commitErr := ss.committer.CommitDirty(ctx, id, year, before)
		if err := pool.Set(after); err != nil {
			return err
		}
		sent := dirty - domain.DirtyCount(after)
		ss.record(ctx, "push", id, fmt.Sprintf("%d of %d record(s)", sent, dirty), commitErr)
		if err := writeOutput(cmd.OutOrStdout(), "%-14s pushed %d of %d\n", id, sent, dirty); err != nil {
			return err
		}
		if commitErr != nil {
			return commitErr
		}
	}
	return nil
}

func newRolloverCommand(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "rollover YEAR",
		Short: "Copy the active yearly tabs into archive tabs for YEAR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid year %q", args[0])
			}
			return s.withSession(cmd.Context(), func(ss *session) error {
				created, err := ss.engine.Rollover(cmd.Context(), year)
				ss.record(cmd.Context(), "rollover", "", strings.Join(created, ", "), err)
				if err != nil {
					return err
				}
				if len(created) == 0 {
					return writeOutput(cmd.OutOrStdout(), "Archive tabs for %d already exist\n", year)
				}
				return writeOutput(cmd.OutOrStdout(), "Created %s\n", strings.Join(created, ", "))
			})
		},
	}
}
