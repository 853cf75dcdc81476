package logcall

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
)

const goOutputTailBytes = 16 * 1024
const goOutputTailLines = 20

// NewProjectExec creates a command that runs in projectDir with env applied.
func NewProjectExec(ctx context.Context, projectDir string, env []string, name string, arg ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Dir = projectDir
	cmd.Env = mergeSafeEnv(env)

	return cmd
}

func mergeSafeEnv(env []string) []string {
	envKeys := make([]string, len(env)) // check for os values we want to override
	for i, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		envKeys[i] = parts[0]
	}
	safeEnv := bulk.SliceFilterInPlace(func(envVar string) bool {
		if envVar == "" || envVar == "=" || strings.HasPrefix(envVar, "LD_") {
			return false // skip unsafe
		} else if parts := strings.SplitN(envVar, "=", 2); slices.Contains(envKeys, parts[0]) {
			return false // will be overridden by custom value
		}
		return true
	}, os.Environ())
	return append(safeEnv, env...)
}

// RunGoOverlay runs `go <subcommand>` in projectDir using overlayFile, so the rewritten sources are compiled in
// place of the originals. Output is streamed to stdout and stderr, a failure carries the tail of the output. An
// empty overlayFile runs the command unchanged.
func RunGoOverlay(ctx context.Context, projectDir string, stdout, stderr io.Writer,
	overlayFile, subcommand string, args ...string) error {
	goArgs := []string{subcommand}
	if overlayFile != "" {
		goArgs = append(goArgs, "-overlay="+overlayFile)
	}
	goArgs = append(goArgs, args...)

	var tail bytes.Buffer
	tailWriter := &lockedWriter{w: newLimitedRollingBufferWriter(&tail, goOutputTailBytes)}
	cmd := NewProjectExec(ctx, projectDir, nil, "go", goArgs...)
	cmd.Stdout = TeeWriter(stdout, tailWriter)
	cmd.Stderr = TeeWriter(stderr, tailWriter)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go %s failed: %w\n%s", subcommand, err,
			limitStringLines(strings.TrimSpace(tail.String()), goOutputTailLines, false))
	}
	return nil
}
