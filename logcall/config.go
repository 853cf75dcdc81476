package logcall

import (
	"errors"
	"fmt"
	"go/token"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the config file looked up in the project directory when no path is given.
const ConfigFileName = ".logcall.yaml"

// OutputMode selects where rewritten files are written.
type OutputMode string

const (
	// ModeOverlay writes rewritten files to a separate directory along with a `go build -overlay` mapping.
	ModeOverlay OutputMode = "overlay"
	// ModeInPlace replaces the source files, keeping a .bkp copy of each original.
	ModeInPlace OutputMode = "inplace"
	// ModeDiff writes a unified diff of every change without touching the sources.
	ModeDiff OutputMode = "diff"
)

// Compression codec names accepted for cache entries.
const (
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
	CompressionNone   = "none"
)

// CacheConfig controls the persistent transform cache.
type CacheConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
	MemMB       int    `yaml:"mem_mb"`
}

// Config holds settings and state for an Engine.
type Config struct {
	ProjectDir     string     `yaml:"-"`
	Patterns       []string   `yaml:"patterns"`
	Mode           OutputMode `yaml:"mode"`
	Display        bool       `yaml:"display"`
	Structured     bool       `yaml:"structured"`
	Constructors   []string   `yaml:"constructors"`
	RuntimePackage string     `yaml:"runtime_package"`
	RuntimeImport  string     `yaml:"runtime_import"`
	OverlayDir     string     `yaml:"overlay_dir"`
	// DiffFile receives the output of ModeDiff, standard output when empty.
	DiffFile                         string      `yaml:"diff_file"`
	Cache                            CacheConfig `yaml:"cache"`
	ReportJsonFile, ReportChartsFile string      `yaml:"-"`
	Verbose                          bool        `yaml:"verbose"`
	// Computed fields
	AbsProjDir string `yaml:"-"`
	// Internal state tracking
	prepared bool
}

// DefaultConfig returns the settings used when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		ProjectDir:     ".",
		Patterns:       []string{"./..."},
		Mode:           ModeOverlay,
		Constructors:   slices.Clone(DefaultWrapperConstructors),
		RuntimePackage: DefaultRuntimePackage,
		RuntimeImport:  DefaultRuntimeImport,
		OverlayDir:     filepath.Join(".logcall", "overlay"),
		Cache: CacheConfig{
			Enabled:     true,
			Compression: CompressionZstd,
			MemMB:       64,
		},
	}
}

// LoadConfig reads a YAML config file over DefaultConfig. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.applyEnvOverrides()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.applyEnvOverrides()
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if dir := os.Getenv("LOGCALL_CACHE_DIR"); dir != "" {
		c.Cache.Dir = dir
	}
	if v := os.Getenv("LOGCALL_CACHE"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOGCALL_CACHE value %q: %w", v, err)
		}
		c.Cache.Enabled = enabled
	}
	return nil
}

// Prepare validates the config and resolves computed fields. It may only be invoked once.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	}

	if c.ProjectDir == "" {
		return errors.New("project directory is required")
	} else if len(c.Patterns) == 0 {
		return errors.New("at least one package pattern or directory is required")
	}
	absProjDir, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("error resolving project directory: %w", err)
	}
	c.AbsProjDir = absProjDir

	switch c.Mode {
	case ModeOverlay, ModeInPlace, ModeDiff:
	default:
		return fmt.Errorf("invalid mode '%s', must be one of: overlay, inplace, diff", c.Mode)
	}
	if !token.IsIdentifier(c.RuntimePackage) {
		return fmt.Errorf("runtime package '%s' is not a valid identifier", c.RuntimePackage)
	} else if c.RuntimeImport == "" {
		return errors.New("runtime import path is required")
	} else if len(c.Constructors) == 0 {
		return errors.New("at least one wrapper constructor is required")
	}
	for _, ctor := range c.Constructors {
		if ctor == "" || strings.HasPrefix(ctor, ".") || strings.HasSuffix(ctor, ".") {
			return fmt.Errorf("invalid wrapper constructor '%s'", ctor)
		}
	}

	if c.Mode == ModeOverlay {
		if c.OverlayDir == "" {
			return errors.New("overlay directory is required in overlay mode")
		} else if !filepath.IsAbs(c.OverlayDir) {
			c.OverlayDir = filepath.Join(c.AbsProjDir, c.OverlayDir)
		}
	}

	if c.Cache.Enabled {
		switch c.Cache.Compression {
		case CompressionZstd, CompressionSnappy, CompressionNone:
		default:
			return fmt.Errorf("invalid cache compression '%s', must be one of: zstd, snappy, none", c.Cache.Compression)
		}
		if c.Cache.MemMB < 1 || c.Cache.MemMB > 10240 { // 10GB limit
			return fmt.Errorf("cache size must be between 1 and 10240 MB, got %d", c.Cache.MemMB)
		}
		if c.Cache.Dir == "" {
			userCache, err := os.UserCacheDir()
			if err != nil {
				return fmt.Errorf("error resolving cache directory: %w", err)
			}
			c.Cache.Dir = filepath.Join(userCache, "logcall")
		}
	}

	if c.ReportJsonFile != "" {
		if err := validateOutputPath(c.ReportJsonFile); err != nil {
			return fmt.Errorf("invalid JSON report file path: %w", err)
		}
	}
	if c.ReportChartsFile != "" {
		if err := validateOutputPath(c.ReportChartsFile); err != nil {
			return fmt.Errorf("invalid charts report file path: %w", err)
		}
	}

	c.prepared = true
	return nil
}

// Transformer builds the function transformer described by the config.
func (c *Config) Transformer() Transformer {
	mode := DisplayDebug
	if c.Display {
		mode = DisplayPlain
	}
	return Transformer{
		Synth: Synthesizer{
			Format:  FormatBuilder{Mode: mode, Structured: c.Structured},
			Runtime: c.RuntimePackage,
		},
		Detector: Detector{Constructors: c.Constructors},
	}
}

// fingerprint identifies every setting that changes generated code, used to invalidate cached rewrites.
func (c *Config) fingerprint() []byte {
	return []byte(strings.Join([]string{
		strconv.FormatBool(c.Display),
		strconv.FormatBool(c.Structured),
		strings.Join(c.Constructors, ","),
		c.RuntimePackage,
		c.RuntimeImport,
	}, ";"))
}

// validateOutputPath validates that an output file path can be written to
func validateOutputPath(path string) error {
	dir := filepath.Dir(path)

	// Check if directory exists, if not try to create it
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	}

	// Check if we can write to the directory
	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = file.Close()
	return os.Remove(testFile)
}
