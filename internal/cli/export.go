package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/clipboard"
)

func newExportCommand(s *state) *cobra.Command {
	var (
		dir    string
		toClip bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the local cache as an encrypted vault",
		Long: `Export the local cache and knowledge base as an encrypted vault file.

The vault is bound to your identity and to the configured spreadsheet; it can
only be imported by the same user for the same spreadsheet.

Example:
  ledgersync export
  ledgersync export --dir ~/backups
  ledgersync export --copy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withSession(cmd.Context(), func(ss *session) error {
				if toClip {
					return exportToClipboard(cmd, s, ss)
				}

				target := dir
				if target == "" {
					target = s.cfg.BackupDir
				}
				if err := os.MkdirAll(target, 0o700); err != nil {
					return fmt.Errorf("failed to create backup directory: %w", err)
				}
				path, err := ss.protocol.ExportToFile(cmd.Context(), target)
				ss.record(cmd.Context(), "export", "", path, err)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), "Exported vault to %s\n", path)
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to write the vault file to (default: backup_dir)")
	cmd.Flags().BoolVar(&toClip, "copy", false, "copy the vault to the clipboard instead of writing a file")
	return cmd
}

func exportToClipboard(cmd *cobra.Command, s *state, ss *session) error {
	env, err := ss.protocol.Export(cmd.Context())
	if err != nil {
		ss.record(cmd.Context(), "export", "", "clipboard", err)
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	board := s.board()
	if !clipboard.IsAvailable(board) {
		return fmt.Errorf("clipboard is not available")
	}
	// The clear runs in the background; a CLI process exiting first keeps the text.
	if _, err := clipboard.CopyWithTimeout(board, string(data), s.cfg.ClipboardTTL); err != nil {
		ss.record(cmd.Context(), "export", "", "clipboard", err)
		return err
	}
	ss.record(cmd.Context(), "export", "", "clipboard", nil)
	return writeOutput(cmd.OutOrStdout(), "Copied vault to clipboard (%d bytes)\n", len(data))
}
