// Package cmd implements the tonecapture command tree.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tonecapture/internal/config"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/logging"
	"github.com/Aman-CERP/tonecapture/internal/output"
	"github.com/Aman-CERP/tonecapture/internal/vault"
	"github.com/Aman-CERP/tonecapture/pkg/version"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	dir   string
	debug bool

	logger         *slog.Logger
	loggingCleanup func()
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tonecapture",
		Short: "Searchable archive of amp captures and impulse responses",
		Long: `tonecapture keeps a deduplicated archive of guitar amp captures and
cabinet impulse responses. Captures are filtered by their metadata, ranked
by embedding similarity, and grouped into clusters of similar tones.

Run 'tonecapture init' in a directory to create an archive there.`,
		Version:            version.Version,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  opts.startLogging,
		PersistentPostRunE: opts.stopLogging,
	}
	cmd.SetVersionTemplate(`{{printf "tonecapture %s\n" .Version}}`)

	cmd.PersistentFlags().StringVarP(&opts.dir, "archive", "C", "",
		"Archive directory (default: nearest parent with "+config.ProjectConfigName+")")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to stderr and "+logging.DefaultLogPath())

	cmd.AddCommand(
		newInitCmd(opts),
		newAddCmd(opts),
		newSetCmd(opts),
		newGetCmd(opts),
		newRmCmd(opts),
		newFindCmd(opts),
		newClusterCmd(opts),
		newWatchCmd(opts),
		newGCCmd(opts),
		newCheckCmd(opts),
		newStatsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command, printing any error in CLI form.
// Interrupts cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCmd()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), tcerrors.FormatForCLI(err))
	}
	return err
}

// startLogging enables debug logging when --debug is set. Otherwise the
// logger is chosen once the archive configuration is known.
func (o *rootOptions) startLogging(_ *cobra.Command, _ []string) error {
	if !o.debug {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	o.logger = logger
	o.loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("debug logging started", slog.String("version", version.Version))
	return nil
}

func (o *rootOptions) stopLogging(_ *cobra.Command, _ []string) error {
	if o.loggingCleanup != nil {
		o.loggingCleanup()
		o.loggingCleanup = nil
	}
	return nil
}

// configureLogging sets up logging from the archive configuration: the
// configured file when there is one, warnings to stderr otherwise.
func (o *rootOptions) configureLogging(cmd *cobra.Command, cfg config.LoggingConfig) error {
	if o.logger != nil {
		return nil
	}
	if cfg.FilePath == "" {
		o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:     cfg.Level,
		FilePath:  cfg.FilePath,
		MaxSizeMB: cfg.MaxSizeMB,
		MaxFiles:  cfg.MaxFiles,
	})
	if err != nil {
		return tcerrors.ConfigError("failed to open log file", err).WithDetail("path", cfg.FilePath)
	}
	o.logger = logger
	o.loggingCleanup = cleanup
	return nil
}

// archiveRoot resolves --archive, or the nearest archive above the
// working directory.
func (o *rootOptions) archiveRoot() (string, error) {
	if o.dir != "" {
		return filepath.Abs(o.dir)
	}
	return config.FindArchiveRoot(".")
}

// archive is an open vault plus what the command needs around it.
type archive struct {
	root  string
	cfg   *config.Config
	vault *vault.Vault
	out   *output.Writer
}

func (a *archive) Close() error { return a.vault.Close() }

// open loads the archive's configuration, applies tweaks, and opens its
// vault. The archive must have been initialized.
func (o *rootOptions) open(cmd *cobra.Command, tweaks ...func(*config.Config)) (*archive, error) {
	root, err := o.archiveRoot()
	if err != nil {
		return nil, err
	}
	if !initialized(root) {
		return nil, tcerrors.NotFoundError("archive", root).
			WithSuggestion("run `tonecapture init` in the archive directory, or pass --archive")
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := o.configureLogging(cmd, cfg.Logging); err != nil {
		return nil, err
	}

	v, err := vault.Open(cmd.Context(), cfg, vault.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	return &archive{root: root, cfg: cfg, vault: v, out: output.New(cmd.OutOrStdout())}, nil
}

func initialized(root string) bool {
	for _, name := range []string{config.ProjectConfigName, config.DataDirName} {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return true
		}
	}
	return false
}
