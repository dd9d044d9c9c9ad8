package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ledgersync/ledgersync/internal/config"
)

func newConfigCommand(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ledgersync configuration",
		Long: `Manage ledgersync configuration settings.

Configuration is stored in ~/.config/ledgersync/config.yaml by default.
Every key can also be overridden with a LEDGERSYNC_* environment variable,
for example LEDGERSYNC_SHEET_SPREADSHEET_ID.

Example:
  ledgersync config path
  ledgersync config show
  ledgersync config set sheet.spreadsheet_id 1AbC...
  ledgersync config set tabs.income "Income 2025"`,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *s.cfg
			if shown.Auth.Token != "" {
				shown.Auth.Token = "********"
			}
			data, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), "# %s\n%s", s.configPath(), data)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSet(cmd, s, args[0], args[1])
		},
	}

	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "List the settable keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeString(cmd.OutOrStdout(), strings.Join(config.Keys(), "\n")+"\n")
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeOutput(cmd.OutOrStdout(), "%s\n", s.configPath())
		},
	}

	cmd.AddCommand(showCmd, setCmd, keysCmd, pathCmd)
	return cmd
}

// runConfigSet edits the file as stored, without environment overrides
func runConfigSet(cmd *cobra.Command, s *state, key, value string) error {
	path := s.configPath()
	stored, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	normalized := strings.ReplaceAll(strings.ToLower(key), "-", "_")
	if err := stored.Set(normalized, value); err != nil {
		return err
	}
	if err := stored.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.SaveConfig(stored, path); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	return writeOutput(cmd.OutOrStdout(), "Configuration updated: %s = %s\n", normalized, value)
}
