package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/clipboard"
	"github.com/ledgersync/ledgersync/internal/vault"
)

func newImportCommand(s *state) *cobra.Command {
	var (
		fromClip  bool
		assumeYes bool
	)

	cmd := &cobra.Command{
		Use:   "import [FILE]",
		Short: "Restore the local cache from a vault",
		Long: `Validate a vault and replace the local cache and knowledge base with its
content. Nothing is written unless the vault decrypts and verifies.

Example:
  ledgersync import ledger-vault-2025-06-01.json
  ledgersync import --clipboard`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data   []byte
				source string
			)
			switch {
			case fromClip:
				text, err := clipboard.Paste(s.board())
				if err != nil {
					return err
				}
				data, source = []byte(text), "clipboard"
			case len(args) == 1:
				raw, err := os.ReadFile(filepath.Clean(args[0]))
				if err != nil {
					return fmt.Errorf("failed to read vault file: %w", err)
				}
				data, source = raw, args[0]
			default:
				return fmt.Errorf("a vault file or --clipboard is required")
			}

			return s.withSession(cmd.Context(), func(ss *session) error {
				env, status, err := ss.protocol.Validate(cmd.Context(), data)
				if err != nil {
					ss.record(cmd.Context(), "import", "", source, err)
					return err
				}
				return applyImport(cmd, ss, env, status, source, assumeYes)
			})
		},
	}
	cmd.Flags().BoolVar(&fromClip, "clipboard", false, "read the vault from the clipboard")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "replace local data without asking")
	return cmd
}

// applyImport replaces local data with a validated envelope
func applyImport(cmd *cobra.Command, ss *session, env *vault.Envelope, status vault.Status, source string, assumeYes bool) error {
	if status != vault.StatusValid {
		return fmt.Errorf("vault is not importable: %s", status)
	}
	ok, err := confirm(cmd, assumeYes, fmt.Sprintf("Replace local data with the vault exported %s?",
		env.Integrity.Timestamp))
	if err != nil {
		return err
	}
	if !ok {
		return writeString(cmd.OutOrStdout(), "Import cancelled\n")
	}

	err = ss.protocol.Import(cmd.Context(), env)
	ss.record(cmd.Context(), "import", "", source, err)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), "Imported vault from %s\n", source)
}
