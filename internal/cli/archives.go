package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/syncer"
)

func newArchivesCommand(s *state) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Summarise the locally cached years",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSession(cmd.Context(), func(ss *session) error {
				meta, err := syncer.ArchiveMetadata(cmd.Context(), ss.local)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), meta)
				}

				rows := make([][]string, 0, len(meta))
				for _, m := range meta {
					year := strconv.Itoa(m.Year)
					if m.Year == 0 {
						year = "global"
					}
					detail := "no"
					if m.HasDetail {
						detail = "yes"
					}
					updated := "-"
					if !m.LastUpdated.IsZero() {
						updated = m.LastUpdated.Local().Format(time.DateTime)
					}
					rows = append(rows, []string{year, strconv.Itoa(m.RecordCount), detail, updated})
				}
				return writeTable(cmd.OutOrStdout(), []string{"YEAR", "RECORDS", "DETAIL", "LAST UPDATED"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
