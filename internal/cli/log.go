package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newLogCommand(s *state) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the operation log",
		Long:  "Show the local log of syncs, pushes, imports and exports, newest last.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSession(cmd.Context(), func(ss *session) error {
				ops, err := ss.audit.List(cmd.Context())
				if err != nil {
					return err
				}
				if limit > 0 && len(ops) > limit {
					ops = ops[len(ops)-limit:]
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), ops)
				}

				rows := make([][]string, 0, len(ops))
				for _, op := range ops {
					result := "ok"
					if !op.Success {
						result = "failed"
					}
					dataset := op.Dataset
					if dataset == "" {
						dataset = "-"
					}
					rows = append(rows, []string{
						op.Timestamp.Local().Format(time.DateTime), op.Type, dataset, result, op.Detail,
					})
				}
				return writeTable(cmd.OutOrStdout(), []string{"TIME", "OPERATION", "DATASET", "RESULT", "DETAIL"}, rows)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
