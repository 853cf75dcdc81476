package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PatchLens/go-logcall/logcall"
)

// options holds the flag values shared by all commands.
type options struct {
	projectDir string
	configFile string
	verbose    bool

	patterns         []string
	mode             string
	display          bool
	structured       bool
	constructors     []string
	runtimePackage   string
	runtimeImport    string
	overlayDir       string
	diffFile         string
	cache            bool
	cacheDir         string
	cacheCompression string
	cacheMB          int
	reportJsonFile   string
	reportChartsFile string

	logger *zap.Logger
}

// NewRootCommand builds the logcall command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "logcall",
		Short: "Instrument annotated Go functions with entry and exit logging",
		Long: `logcall rewrites functions annotated with a //logcall: directive so they log their
arguments on entry and their result on exit.

The original sources are untouched by default: rewritten files are written to an overlay
directory and compiled with 'go build -overlay'. Use --mode inplace to rewrite the sources
(restore them with 'logcall restore') or --mode diff to preview the changes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logcall.NewLogger(opts.verbose)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.projectDir, "project", "C", ".", "Path to the project directory")
	pf.StringVar(&opts.configFile, "config", "", "Config file (default <project>/"+logcall.ConfigFileName+")")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newRewriteCommand(opts),
		newGoCommand(opts, "build", "Rewrite annotated functions then run go build with the result"),
		newGoCommand(opts, "test", "Rewrite annotated functions then run go test with the result"),
		newWatchCommand(opts),
		newRestoreCommand(opts),
		newInitCommand(opts),
		newCacheCommand(opts),
	)
	return root
}

// addRewriteFlags registers the flags that override config file settings.
func addRewriteFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringSliceVarP(&opts.patterns, "patterns", "p", nil, "Package patterns, directories or files to rewrite (default ./...)")
	f.StringVar(&opts.mode, "mode", string(logcall.ModeOverlay), "Output mode: overlay, inplace, diff")
	f.BoolVar(&opts.display, "display", false, "Log values in display form (%v) instead of debug form (%#v)")
	f.BoolVar(&opts.structured, "structured", false, "Log values as structured fields")
	f.StringSliceVar(&opts.constructors, "constructors", nil, "Qualified constructors recognized as future wrappers")
	f.StringVar(&opts.runtimePackage, "runtime-package", logcall.DefaultRuntimePackage, "Package name of the logging runtime")
	f.StringVar(&opts.runtimeImport, "runtime-import", logcall.DefaultRuntimeImport, "Import path of the logging runtime")
	f.StringVar(&opts.overlayDir, "overlay-dir", "", "Directory receiving rewritten files in overlay mode")
	f.StringVar(&opts.diffFile, "diff-file", "", "File receiving the diff output, standard output when empty")
	f.BoolVar(&opts.cache, "cache", true, "Cache rewrite results between runs")
	f.StringVar(&opts.cacheDir, "cache-dir", "", "Cache directory (default user cache dir)")
	f.StringVar(&opts.cacheCompression, "cache-compression", logcall.CompressionZstd, "Cache compression: zstd, snappy, none")
	f.IntVar(&opts.cacheMB, "cache-mb", 64, "Cache memory budget in MB")
	f.StringVar(&opts.reportJsonFile, "report", "", "File to output run details as JSON")
	f.StringVar(&opts.reportChartsFile, "charts", "", "File to output a run overview chart image (.png, .jpg or .svg)")
}

// loadConfig reads the config file and applies the flags explicitly set on cmd.
func (opts *options) loadConfig(cmd *cobra.Command, args []string) (*logcall.Config, error) {
	configFile := opts.configFile
	if configFile == "" {
		configFile = filepath.Join(opts.projectDir, logcall.ConfigFileName)
	}
	config, err := logcall.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	config.ProjectDir = opts.projectDir
	if opts.verbose {
		config.Verbose = true
	}

	f := cmd.Flags()
	if f.Lookup("patterns") == nil {
		return config, nil // command without rewrite flags
	}
	if len(args) > 0 && cmd.Name() != "build" && cmd.Name() != "test" {
		config.Patterns = args
	} else if f.Changed("patterns") {
		config.Patterns = opts.patterns
	}
	if f.Changed("mode") {
		config.Mode = logcall.OutputMode(opts.mode)
	}
	if f.Changed("display") {
		config.Display = opts.display
	}
	if f.Changed("structured") {
		config.Structured = opts.structured
	}
	if f.Changed("constructors") {
		config.Constructors = opts.constructors
	}
	if f.Changed("runtime-package") {
		config.RuntimePackage = opts.runtimePackage
	}
	if f.Changed("runtime-import") {
		config.RuntimeImport = opts.runtimeImport
	}
	if f.Changed("overlay-dir") {
		config.OverlayDir = opts.overlayDir
	}
	if f.Changed("diff-file") {
		config.DiffFile = opts.diffFile
	}
	if f.Changed("cache") {
		config.Cache.Enabled = opts.cache
	}
	if f.Changed("cache-dir") {
		config.Cache.Dir = opts.cacheDir
	}
	if f.Changed("cache-compression") {
		config.Cache.Compression = opts.cacheCompression
	}
	if f.Changed("cache-mb") {
		config.Cache.MemMB = opts.cacheMB
	}
	config.ReportJsonFile = opts.reportJsonFile
	config.ReportChartsFile = opts.reportChartsFile
	return config, nil
}

// newEngine loads the config and creates an engine writing debug output to the command output.
func (opts *options) newEngine(cmd *cobra.Command, args []string) (*logcall.Engine, error) {
	config, err := opts.loadConfig(cmd, args)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	engine := logcall.NewEngine(config, opts.logger)
	engine.Output = cmd.OutOrStdout()
	return engine, nil
}
