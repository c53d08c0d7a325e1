// Package pidfile handles the process-identifier files the scheduler and
// webserver write, and the explicit waits that replace a fixed settle delay.
package pidfile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

var ErrInvalid = errors.New("pidfile: invalid content")

// Stale describes a removed PID file. PID is 0 when the file was unreadable.
type Stale struct {
	Path string
	PID  int
}

// Read parses the first line of path as a PID.
func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalid, path)
	}
	return pid, nil
}

// Remove deletes path; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveStale removes every existing file in paths and reports the PIDs they
// held. Missing files are skipped silently; other errors are returned
// alongside what was removed.
func RemoveStale(paths []string) ([]Stale, error) {
	var out []Stale
	var errs []error
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		pid, _ := Read(p)
		if err := Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, Stale{Path: p, PID: pid})
	}
	return out, errors.Join(errs...)
}

// Alive reports whether pid names a live process. EPERM means it exists but
// belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// WaitExit blocks until none of pids is alive or ctx ends. It returns the
// PIDs still alive when ctx ended.
func WaitExit(ctx context.Context, pids []int, interval time.Duration) ([]int, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		var alive []int
		for _, pid := range pids {
			if pid != os.Getpid() && Alive(pid) {
				alive = append(alive, pid)
			}
		}
		if len(alive) == 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return alive, ctx.Err()
		case <-t.C:
		}
	}
}

// PortFree reports whether addr can be bound right now.
func PortFree(addr string) bool {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// WaitPortFree blocks until addr can be bound or ctx ends.
func WaitPortFree(ctx context.Context, addr string, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for !PortFree(addr) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("port %s still bound: %w", addr, ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// WaitCreated blocks until path exists. It watches the parent directory, so
// the directory itself must exist.
func WaitCreated(ctx context.Context, path string) error {
	exists := func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	// Checked after Add so an event between the two is not lost.
	if exists() {
		return nil
	}

	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait %s: %w", path, ctx.Err())
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("wait %s: watcher closed", path)
			}
			if filepath.Clean(ev.Name) == name && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && exists() {
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("wait %s: watcher closed", path)
			}
			return fmt.Errorf("wait %s: %w", path, err)
		}
	}
}
