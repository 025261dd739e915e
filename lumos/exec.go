package lumos

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
)

const verifyOutputLimit = 64 * 1024
const verifyOutputLines = 20

// GoEnv returns environment entries for GOPATH and GOMODCACHE.
func GoEnv(gopath, gomodcache string) []string {
	env := make([]string, 0, 2)
	if gopath != "" {
		env = append(env, "GOPATH="+gopath)
	}
	if gomodcache != "" {
		env = append(env, "GOMODCACHE="+gomodcache)
	}
	return env
}

// NewProjectExec creates a command that runs in projectDir with env applied.
func NewProjectExec(projectDir string, env []string, name string, arg ...string) *exec.Cmd {
	cmd := exec.Command(name, arg...)
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

// verifyArgs builds the go command arguments which compile the packages with the overlay applied. Tests are
// compiled by running no test functions.
func verifyArgs(overlayPath string, buildFlags, patterns []string, tests bool) []string {
	var args []string
	if tests {
		args = append(args, "test", "-count=1", "-run=^$")
	} else {
		args = append(args, "build", "-o", os.DevNull)
	}
	args = append(args, "-overlay="+overlayPath)
	args = append(args, buildFlags...)
	return append(args, patterns...)
}

// buildOutput retains the tail of a command's combined output, echoing it as it is produced. Build errors are
// reported last, so the head of a long output is dropped first.
type buildOutput struct {
	echo      io.Writer
	buf       []byte
	limit     int
	truncated bool
}

// Write never fails, a failing echo destination is dropped while capture continues. Stdout and Stderr share the
// writer, so exec never calls Write concurrently.
func (b *buildOutput) Write(p []byte) (int, error) {
	if b.echo != nil {
		if _, err := b.echo.Write(p); err != nil {
			b.echo = nil
		}
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *buildOutput) String() string {
	return string(b.buf)
}

// tail returns at most count lines of the retained output, prefixed with a marker if earlier output was dropped.
func (b *buildOutput) tail(count int) string {
	s := strings.TrimSpace(string(b.buf))
	truncated := b.truncated
	if lines := strings.Split(s, "\n"); len(lines) > count {
		s = strings.Join(lines[len(lines)-count:], "\n")
		truncated = true
	}
	if truncated {
		return "...\n" + s
	}
	return s
}

// runCapturedExec runs the command retaining the tail of its combined output, echo receives the output as it is
// produced if not nil.
func runCapturedExec(cmd *exec.Cmd, echo io.Writer) (*buildOutput, error) {
	out := &buildOutput{echo: echo, limit: verifyOutputLimit}
	cmd.Stdout = out
	cmd.Stderr = out
	return out, cmd.Run()
}

// VerifyOverlay compiles the project packages with the overlay applied, confirming the rewritten sources build.
func VerifyOverlay(projectDir string, env []string, overlayPath string, buildFlags, patterns []string, tests bool, echo io.Writer) error {
	cmd := NewProjectExec(projectDir, env, "go", verifyArgs(overlayPath, buildFlags, patterns, tests)...)
	if output, err := runCapturedExec(cmd, echo); err != nil {
		return fmt.Errorf("rewritten project failed to build: %w\n%s", err, output.tail(verifyOutputLines))
	}
	return nil
}
