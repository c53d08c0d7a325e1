// Package runner executes vendor command-line tools on the local host.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Exit codes reported when the process never produced one of its own.
const (
	ExitNotFound = 127
	ExitKilled   = -1
)

// maxCapture bounds the output kept for error reports.
const maxCapture = 16 << 10

// Command is one vendor binary invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// String renders a shell-escaped command line with password values masked.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(shellEscape(c.Path))
	mask := false
	for _, a := range c.Args {
		b.WriteByte(' ')
		if mask {
			b.WriteString("'***'")
			mask = false
			continue
		}
		b.WriteString(shellEscape(a))
		if isSecretFlag(a) {
			mask = true
		}
	}
	return b.String()
}

// Result carries the exit status and the tail of combined output.
type Result struct {
	ExitCode int
	Output   string
}

// CommandRunner abstracts command execution for the sequencer.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec, streaming output to Stdout/Stderr
// (the parent's streams when nil) while keeping a bounded copy.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	capture := &tailBuffer{limit: maxCapture}
	cmd.Stdout = io.MultiWriter(orDefault(r.Stdout, os.Stdout), capture)
	cmd.Stderr = io.MultiWriter(orDefault(r.Stderr, os.Stderr), capture)

	err := cmd.Run()
	res := Result{Output: capture.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.ExitCode = ExitKilled
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		res.ExitCode = ExitNotFound
	default:
		res.ExitCode = 1
	}
	return res, err
}

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func isSecretFlag(arg string) bool {
	switch arg {
	case "--password", "-p", "--conn-password":
		return true
	}
	return false
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	if strings.IndexFunc(value, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == '@' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
