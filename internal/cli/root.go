package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/auth"
	"github.com/ledgersync/ledgersync/internal/clipboard"
	"github.com/ledgersync/ledgersync/internal/config"
	"github.com/ledgersync/ledgersync/internal/remote"
)

// Env carries the collaborators commands are built from. Nil fields get the
// production implementation.
type Env struct {
	Client remote.RangeClient
	Files  remote.FileStore
	Auth   auth.Provider
	Board  clipboard.Board
	Now    func() time.Time
	// EnvDir is searched for .env files; empty means the working directory
	EnvDir string
	// TokenIn is the terminal the access token is read from
	TokenIn *os.File
	// Stderr receives prompts
	Stderr io.Writer
}

type options struct {
	cfgFile string
	dataDir string
	verbose bool
}

type state struct {
	env  *Env
	opts options
	cfg  *config.Config
}

// NewRootCommand builds the ledgersync command tree
func NewRootCommand(env *Env) *cobra.Command {
	if env == nil {
		env = &Env{}
	}
	s := &state{env: env}

	rootCmd := &cobra.Command{
		Use:   "ledgersync",
		Short: "Offline-first ledger cache synchronized with a spreadsheet",
		Long: `ledgersync keeps a local copy of a personal finance ledger that lives in a
remote spreadsheet. Edits are made locally and pushed row by row; pulls never
overwrite records that still have unsynced local edits.

The local cache can be exported as an encrypted vault file bound to your
identity and the spreadsheet, either to disk, the clipboard or a cloud file.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&s.opts.cfgFile, "config", "", "config file (default is $HOME/.config/ledgersync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&s.opts.dataDir, "data-dir", "", "directory holding the local databases")
	rootCmd.PersistentFlags().BoolVarP(&s.opts.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newSyncCommand(s),
		newDiscoverCommand(s),
		newStatusCommand(s),
		newRecordCommand(s),
		newPushCommand(s),
		newExportCommand(s),
		newImportCommand(s),
		newCloudCommand(s),
		newArchivesCommand(s),
		newConflictCommand(s),
		newLogCommand(s),
		newConfigCommand(s),
		newRolloverCommand(s),
	)
	return rootCmd
}

// Execute runs the command tree with production collaborators
func Execute() error {
	return NewRootCommand(nil).Execute()
}

func (s *state) configPath() string {
	if s.opts.cfgFile != "" {
		return s.opts.cfgFile
	}
	return config.DefaultPath()
}

func (s *state) loadConfig() error {
	config.LoadEnvFiles(s.env.EnvDir)

	cfg, err := config.LoadConfig(s.configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return err
	}
	if s.opts.dataDir != "" {
		cfg.DataDir = s.opts.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s.cfg = cfg
	return nil
}

func (s *state) now() time.Time {
	if s.env.Now != nil {
		return s.env.Now()
	}
	return time.Now()
}

func (s *state) board() clipboard.Board {
	if s.env.Board != nil {
		return s.env.Board
	}
	return clipboard.System
}

func (s *state) logf(cmd *cobra.Command, format string, args ...interface{}) {
	if s.opts.verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
	}
}
