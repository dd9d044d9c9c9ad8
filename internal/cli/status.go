package cli

import (
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/domain"
)

type datasetStatus struct {
	Dataset  domain.DatasetID `json:"dataset"`
	Tab      string           `json:"tab"`
	Records  int              `json:"records"`
	Unsynced int              `json:"unsynced"`
}

type statusInfo struct {
	domain.SyncSnapshot
	ActiveYear   int             `json:"activeYear"`
	ArchiveYears []int           `json:"archiveYears"`
	Datasets     []datasetStatus `json:"datasets"`
}

func newStatusCommand(s *state) *cobra.Command {
	var (
		asJSON      bool
		withMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show synchronization status",
		Long:  "Display the last sync result, any recorded conflict and the unsynced edits per dataset.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSession(cmd.Context(), func(ss *session) error {
				info, err := collectStatus(cmd, ss)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				if asJSON {
					if err := writeJSON(out, info); err != nil {
						return err
					}
				} else if err := printStatus(cmd, info); err != nil {
					return err
				}

				if withMetrics {
					if err := writeString(out, "\n"); err != nil {
						return err
					}
					metrics.WritePrometheus(out, false)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output status as JSON")
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "append process metrics in Prometheus text format")
	return cmd
}

func collectStatus(cmd *cobra.Command, ss *session) (*statusInfo, error) {
	year := ss.engine.ActiveYear()
	info := &statusInfo{
		SyncSnapshot: ss.engine.Status(),
		ActiveYear:   year,
		ArchiveYears: ss.engine.ArchiveYears(),
	}
	if err := lastSyncResult(cmd, ss, &info.SyncSnapshot); err != nil {
		return nil, err
	}
	for _, id := range domain.AllDatasets() {
		pool, err := ss.pools.Pool(cmd.Context(), id, year)
		if err != nil {
			return nil, err
		}
		records := pool.Value()
		info.Datasets = append(info.Datasets, datasetStatus{
			Dataset:  id,
			Tab:      ss.engine.ResolveTab(id, year),
			Records:  len(records),
			Unsynced: domain.DirtyCount(records),
		})
	}
	return info, nil
}

func printStatus(cmd *cobra.Command, info *statusInfo) error {
	out := cmd.OutOrStdout()

	lastUpdated := "never"
	if !info.LastUpdated.IsZero() {
		lastUpdated = info.LastUpdated.Local().Format(time.RFC3339)
	}
	if err := writeOutput(out, "Status:       %s\nLast sync:    %s\nActive year:  %d\n",
		info.Status, lastUpdated, info.ActiveYear); err != nil {
		return err
	}
	if info.LastError != "" {
		if err := writeOutput(out, "Last error:   %s\n", info.LastError); err != nil {
			return err
		}
	}
	if c := info.Conflict; c != nil {
		if err := writeOutput(out, "Conflict:     %s has %d unsynced record(s), run 'ledgersync push'\n",
			c.Dataset, c.DirtyCount); err != nil {
			return err
		}
	}
	if err := writeString(out, "\n"); err != nil {
		return err
	}

	rows := make([][]string, 0, len(info.Datasets))
	for _, d := range info.Datasets {
		rows = append(rows, []string{string(d.Dataset), d.Tab, strconv.Itoa(d.Records), strconv.Itoa(d.Unsynced)})
	}
	return writeTable(out, []string{"DATASET", "TAB", "RECORDS", "UNSYNCED"}, rows)
}

// lastSyncResult fills the status of a fresh engine from the last logged
// sync, since the tracker only lives as long as one invocation
func lastSyncResult(cmd *cobra.Command, ss *session, snap *domain.SyncSnapshot) error {
	if snap.Status != domain.StatusIdle {
		return nil
	}
	ops, err := ss.audit.List(cmd.Context())
	if err != nil {
		return err
	}
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Type != "sync" {
			continue
		}
		switch {
		case op.Success:
			snap.Status = domain.StatusSuccess
		case snap.Conflict == nil:
			snap.Status = domain.StatusError
			snap.LastError = op.Detail
		}
		return nil
	}
	return nil
}
