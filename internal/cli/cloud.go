package cli

import (
	"github.com/spf13/cobra"
)

func newCloudCommand(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "Back up the vault to cloud storage",
		Long: `Keep one encrypted vault file in the application's cloud storage space.

Example:
  ledgersync cloud backup
  ledgersync cloud restore --yes`,
	}

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Upload the current vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSession(cmd.Context(), func(ss *session) error {
				id, err := ss.protocol.UploadToCloud(cmd.Context())
				ss.record(cmd.Context(), "cloud_backup", "", id, err)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), "Uploaded %s (%s)\n", s.cfg.Cloud.FileName, id)
			})
		},
	}

	var assumeYes bool
	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Download and import the cloud vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSession(cmd.Context(), func(ss *session) error {
				env, status, err := ss.protocol.DownloadFromCloud(cmd.Context())
				if err != nil {
					ss.record(cmd.Context(), "cloud_restore", "", s.cfg.Cloud.FileName, err)
					return err
				}
				return applyImport(cmd, ss, env, status, "cloud", assumeYes)
			})
		},
	}
	restoreCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "replace local data without asking")

	cmd.AddCommand(backupCmd, restoreCmd)
	return cmd
}
