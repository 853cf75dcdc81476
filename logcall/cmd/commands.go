package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PatchLens/go-logcall/logcall"
)

func newRewriteCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rewrite [patterns...]",
		Short: "Rewrite annotated functions",
		Long: `Rewrites every function annotated with a //logcall: directive in the given package
patterns, directories or files (default ./...).

Examples:
  logcall rewrite ./...
  logcall rewrite --mode diff ./internal/...
  logcall rewrite --mode inplace --report report.json --charts report.png .`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.newEngine(cmd, args)
			if err != nil {
				return err
			}
			defer engine.Close()

			summary, err := engine.Run(cmd.Context())
			if err != nil {
				return err
			}
			if overlay := engine.OverlayFile(); overlay != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Overlay written, build with: go build -overlay=%s\n", overlay)
			}
			opts.logger.Debug("rewrite summary", zap.Int("instrumented", summary.InstrumentedCount()),
				zap.Int64("cacheHits", summary.CacheHits))
			return nil
		},
	}
	addRewriteFlags(cmd, opts)
	return cmd
}

// newGoCommand creates a command rewriting the project then running the go subcommand against the result. In
// inplace mode the sources are restored once the go command completes.
func newGoCommand(opts *options, subcommand, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   subcommand + " [-- go " + subcommand + " args...]",
		Short: short,
		Long: short + `.

Arguments are passed to the go command unchanged, the packages to rewrite are set with
--patterns or the config file.

Example:
  logcall ` + subcommand + ` -- -v ./...`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			engine, err := opts.newEngine(cmd, args)
			if err != nil {
				return err
			}
			defer engine.Close()
			if engine.Config.Mode == logcall.ModeDiff {
				return fmt.Errorf("%s requires overlay or inplace mode", subcommand)
			}

			if _, err := engine.Run(cmd.Context()); err != nil {
				_ = engine.Restore()
				return err
			}
			defer func() {
				if restoreErr := engine.Restore(); restoreErr != nil {
					err = errors.Join(err, fmt.Errorf("restore failed: %w", restoreErr))
				}
			}()
			return logcall.RunGoOverlay(cmd.Context(), engine.Config.AbsProjDir, cmd.OutOrStdout(), cmd.ErrOrStderr(),
				engine.OverlayFile(), subcommand, args...)
		},
	}
	addRewriteFlags(cmd, opts)
	return cmd
}

func newWatchCommand(opts *options) *cobra.Command {
	var debounce = logcall.DefaultWatchDebounce
	cmd := &cobra.Command{
		Use:   "watch [patterns...]",
		Short: "Rewrite annotated functions whenever sources change",
		Long: `Rewrites the project, then watches its source directories and rewrites again after
changes settle. Runs until interrupted. Only overlay and diff modes can be watched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.newEngine(cmd, args)
			if err != nil {
				return err
			}
			defer engine.Close()

			watcher, err := logcall.NewWatcher(engine, debounce)
			if err != nil {
				return err
			}
			watcher.OnRun = func(summary *logcall.RunSummary, err error) {
				if err == nil {
					opts.logger.Info("rewrite run complete", zap.Int("instrumented", summary.InstrumentedCount()))
				}
			}
			return watcher.Run(cmd.Context())
		},
	}
	addRewriteFlags(cmd, opts)
	cmd.Flags().DurationVar(&debounce, "debounce", logcall.DefaultWatchDebounce, "Quiet period before a change triggers a run")
	return cmd
}

func newRestoreCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [dirs...]",
		Short: "Restore sources rewritten in place",
		Long:  `Moves every .bkp backup left by 'logcall rewrite --mode inplace' back over its source file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{opts.projectDir}
			}
			var errs []error
			for _, dir := range dirs {
				restored, err := logcall.RestoreBackups(cmd.Context(), dir)
				for _, path := range restored {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "restored", path)
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("restore %s failed: %w", dir, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func newInitCommand(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default " + logcall.ConfigFileName + " to the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configFile
			if path == "" {
				path = filepath.Join(opts.projectDir, logcall.ConfigFileName)
			}
			if logcall.FileExists(path) && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := logcall.DefaultConfig().Save(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newCacheCommand(opts *options) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the rewrite cache",
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached rewrite",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.newEngine(cmd, args)
			if err != nil {
				return err
			}
			defer engine.Close()
			if !engine.Config.Cache.Enabled {
				return errors.New("cache is disabled")
			} else if err := engine.ClearCache(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
	cacheCmd.AddCommand(clearCmd)
	return cacheCmd
}
