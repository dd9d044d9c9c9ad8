package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newConflictCommand(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflict",
		Short: "Inspect or dismiss the recorded sync conflict",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the recorded conflict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSession(cmd.Context(), func(ss *session) error {
				c := ss.engine.Conflict()
				out := cmd.OutOrStdout()
				if c == nil {
					return writeString(out, "No conflict\n")
				}
				remote := "never synced"
				if !c.RemoteTimestamp.IsZero() {
					remote = c.RemoteTimestamp.Local().Format(time.RFC3339)
				}
				return writeOutput(out, "Dataset:      %s\nUnsynced:     %d record(s)\nLocal edit:   %s\nLast sync:    %s\n",
					c.Dataset, c.DirtyCount, c.LocalTimestamp.Local().Format(time.RFC3339), remote)
			})
		},
	}

	var assumeYes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Dismiss the recorded conflict",
		Long: `Dismiss the recorded conflict. Unsynced records are kept; the dataset is
skipped again by the next sync until its edits are pushed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSession(cmd.Context(), func(ss *session) error {
				c := ss.engine.Conflict()
				if c == nil {
					return writeString(cmd.OutOrStdout(), "No conflict\n")
				}
				ok, err := confirm(cmd, assumeYes, "Dismiss the conflict on "+string(c.Dataset)+"?")
				if err != nil || !ok {
					return err
				}
				err = ss.engine.ClearConflict()
				ss.record(cmd.Context(), "conflict_clear", c.Dataset, "", err)
				if err != nil {
					return err
				}
				return writeString(cmd.OutOrStdout(), "Conflict cleared\n")
			})
		},
	}
	clearCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}
