package logcall

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"
	"golang.org/x/tools/go/packages"
)

// MinGoVersion defines the minimum Go version required by instrumented modules.
const MinGoVersion = "1.18" // type parameters are used by the future package

// IsGoVersionBelowMinimum returns true if goVersion is below MinGoVersion.
func IsGoVersionBelowMinimum(goVersion string) bool {
	if goVersion == "" {
		return false
	}
	return semver.Compare(goSemver(goVersion), goSemver(MinGoVersion)) < 0
}

// goSemver converts a go directive version such as 1.21rc1 or 1.22.3 into a comparable semver string.
func goSemver(goVersion string) string {
	end := strings.IndexFunc(goVersion, func(r rune) bool {
		return r != '.' && (r < '0' || r > '9')
	})
	if end >= 0 {
		goVersion = goVersion[:end]
	}
	return "v" + strings.TrimSuffix(goVersion, ".")
}

// ErrNoModule is returned when the project directory has neither a go.mod nor a go.work file.
var ErrNoModule = errors.New("no go.mod or go.work found")

// ModuleInfo describes a module of the target project.
type ModuleInfo struct {
	Path      string
	GoVersion string
	Dir       string
}

func parseGoMod(gomodPath string) (ModuleInfo, error) {
	goModData, err := os.ReadFile(gomodPath)
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("read %s failed: %w", gomodPath, err)
	}
	modFile, err := modfile.Parse(gomodPath, goModData, nil)
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("parse %s failed: %w", gomodPath, err)
	}
	info := ModuleInfo{Dir: filepath.Dir(gomodPath)}
	if modFile.Module != nil {
		info.Path = modFile.Module.Mod.Path
	}
	if modFile.Go != nil {
		info.GoVersion = modFile.Go.Version
	}
	return info, nil
}

// parseGoWork returns the module directories used by a go.work file.
func parseGoWork(workPath string) ([]string, error) {
	data, err := os.ReadFile(workPath)
	if err != nil {
		return nil, fmt.Errorf("read %s failed: %w", workPath, err)
	}
	wf, err := modfile.ParseWork(workPath, data, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s failed: %w", workPath, err)
	}
	workDir := filepath.Dir(workPath)

	seen := make(map[string]struct{})
	for _, u := range wf.Use {
		dir := u.Path
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workDir, dir)
		}
		if !strings.HasSuffix(dir, "...") {
			seen[filepath.Clean(dir)] = struct{}{}
			continue
		}
		err := filepath.WalkDir(strings.TrimSuffix(dir, "..."), func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return err
			} else if FileExists(filepath.Join(path, "go.mod")) {
				seen[filepath.Clean(path)] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

// ProjectModules returns the modules of projectDir, from its go.mod and the modules its go.work uses.
func ProjectModules(projectDir string) ([]ModuleInfo, error) {
	modSet := make(map[string]bool)
	if rootMod := filepath.Join(projectDir, "go.mod"); FileExists(rootMod) {
		modSet[rootMod] = true
	}
	if workFile := filepath.Join(projectDir, "go.work"); FileExists(workFile) {
		dirs, err := parseGoWork(workFile)
		if err != nil {
			return nil, err
		}
		for _, dir := range dirs {
			if gm := filepath.Join(dir, "go.mod"); FileExists(gm) {
				modSet[gm] = true
			}
		}
	}
	if len(modSet) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoModule, projectDir)
	}

	mods := make([]ModuleInfo, 0, len(modSet))
	for _, gm := range slices.Sorted(maps.Keys(modSet)) {
		info, err := parseGoMod(gm)
		if err != nil {
			return nil, err
		}
		mods = append(mods, info)
	}
	return mods, nil
}

// CheckGoVersions fails if any module of the project declares a go version older than MinGoVersion.
func CheckGoVersions(mods []ModuleInfo) error {
	var errs []error
	for _, mod := range mods {
		if IsGoVersionBelowMinimum(mod.GoVersion) {
			errs = append(errs, fmt.Errorf("module %s declares go %s, at least go %s is required",
				mod.Path, mod.GoVersion, MinGoVersion))
		}
	}
	return errors.Join(errs...)
}

// ExpandPatterns resolves patterns to the Go source files to rewrite. A pattern naming an existing directory is
// walked recursively, one naming a file is used as is, anything else is loaded as a package pattern with the go
// tool. Only files within projectDir are returned.
func ExpandPatterns(ctx context.Context, projectDir string, patterns []string, logger *zap.Logger) ([]string, error) {
	files := make(map[string]bool)
	var pkgPatterns []string
	for _, pattern := range patterns {
		path := pattern
		if !filepath.IsAbs(path) {
			path = filepath.Join(projectDir, path)
		}
		info, err := os.Stat(path)
		if err != nil || strings.Contains(pattern, "...") {
			pkgPatterns = append(pkgPatterns, pattern)
			continue
		} else if !info.IsDir() {
			files[path] = true
			continue
		}
		dirFiles, err := SourceFiles(path)
		if err != nil {
			return nil, fmt.Errorf("walk %s failed: %w", path, err)
		}
		for _, f := range dirFiles {
			files[f] = true
		}
	}

	if len(pkgPatterns) > 0 {
		pkgs, err := packages.Load(&packages.Config{
			Context: ctx,
			Dir:     projectDir,
			Mode:    packages.NeedName | packages.NeedFiles,
			Tests:   true,
		}, pkgPatterns...)
		if err != nil {
			return nil, fmt.Errorf("package load failed: %w", err)
		}
		for _, pkg := range pkgs {
			for _, pkgErr := range pkg.Errors {
				logger.Warn("package load error", zap.String("package", pkg.PkgPath), zap.String("error", pkgErr.Error()))
			}
			for _, f := range pkg.GoFiles {
				if within, err := fileWithinDir(f, projectDir); err == nil && within {
					files[f] = true
				}
			}
		}
	}
	return slices.Sorted(maps.Keys(files)), nil
}

// fileWithinDir returns true if the provided filePath is within the given directory.
func fileWithinDir(filePath, dirPath string) (bool, error) {
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return false, err
	}
	absDir, err := filepath.Abs(dirPath)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(filepath.Clean(absDir), filepath.Clean(absFile))
	if err != nil {
		return false, err
	}
	return rel != ".." && !strings.HasPrefix(filepath.ToSlash(rel), "../"), nil
}
