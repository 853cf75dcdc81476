package logcall

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"
)

const backupSuffix = ".bkp"

var skipDirs = map[string]struct{}{
	"vendor":   {},
	"testdata": {},
}

// FileExists reports whether the named file exists.
func FileExists(filename string) bool {
	if _, err := os.Stat(filename); err != nil {
		return !os.IsNotExist(err)
	}
	return true
}

func replaceFile(source, destination string) error {
	if _, err := os.Stat(destination); err == nil {
		if err = os.Remove(destination); err != nil {
			return err
		}
	}

	// Rename the source to the destination (requires same filesystem)
	return os.Rename(source, destination)
}

// CopyFile copies src to dst. If src is a symlink, it recreates the symlink at dst pointing to the same target.
// Otherwise, it copies the file’s contents (using os.Create’s default mode).
func CopyFile(src, dst string) (err error) {
	if info, err := os.Lstat(src); err != nil {
		return err
	} else if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) // uses default file mode (0666 & umask)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// skipSourceDir reports directories the go tool ignores along with vendored code.
func skipSourceDir(name string) bool {
	_, skip := skipDirs[name]
	return skip || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// SourceFiles lists the Go source files under root, sorted. Hidden, vendor and testdata directories are skipped
// along with anything matched by the root .gitignore.
func SourceFiles(root string) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		gi = nil // missing or unreadable, nothing ignored
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			} else if skipSourceDir(name) {
				return filepath.SkipDir
			}
			return nil
		} else if d.Type()&os.ModeSymlink != 0 || !strings.HasSuffix(name, ".go") || strings.HasPrefix(name, ".") {
			return nil
		}

		if gi != nil {
			if rel, err := filepath.Rel(root, path); err == nil && gi.MatchesPath(rel) {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// RestoreBackups moves every backup left by an in-place rewrite under root back over its source file. The restored
// source paths are returned. Backups are collected before any file is replaced so the walk never observes a source
// file while it is being swapped.
func RestoreBackups(ctx context.Context, root string) ([]string, error) {
	var backups []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		} else if err := ctx.Err(); err != nil {
			return err
		} else if d.IsDir() || d.Type()&os.ModeSymlink != 0 || !strings.HasSuffix(d.Name(), ".go"+backupSuffix) {
			return nil
		}
		backups = append(backups, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	restored := make([]string, len(backups))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU() * 4)
	for i, backup := range backups {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			orig := strings.TrimSuffix(backup, backupSuffix)
			if err := replaceFile(backup, orig); err != nil {
				return err
			}
			restored[i] = orig
			return nil
		})
	}
	err = eg.Wait()
	restored = slices.DeleteFunc(restored, func(path string) bool {
		return path == ""
	})
	slices.Sort(restored)
	return restored, err
}
