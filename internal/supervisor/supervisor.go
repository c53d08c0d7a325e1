// Package supervisor starts long-running children, waits for them to become
// ready, relays termination signals to all of them and tears the group down
// when one exits.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"ragstack/internal/observability"
	"ragstack/internal/readiness"
)

var (
	ErrExitedBeforeReady = errors.New("supervisor: process exited before ready")
	ErrNoProcesses       = errors.New("supervisor: nothing to supervise")
)

// ForwardedSignals are relayed from the supervisor to every child.
var ForwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

type Spec struct {
	Name   string
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
	// Ready is optional; AwaitReady succeeds immediately without it.
	Ready readiness.Check
}

// Process is a started child. Its methods are safe for concurrent use.
type Process struct {
	Name  string
	spec  Spec
	cmd   *exec.Cmd
	start time.Time
	done  chan struct{}
	err   error
	code  int
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed when the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until exit and returns the exit error, nil for status 0.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// ExitCode is valid after Done is closed.
func (p *Process) ExitCode() int {
	<-p.done
	return p.code
}

func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Signal delivers sig to the child's whole process group.
func (p *Process) Signal(sig os.Signal) error {
	if !p.Running() {
		return nil
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	err := unix.Kill(-p.PID(), s)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

type Supervisor struct {
	logger zerolog.Logger
	grace  time.Duration
	sigs   chan os.Signal

	mu    sync.Mutex
	procs []*Process
}

// New returns a supervisor that allows children grace to exit after SIGTERM
// before they are killed.
func New(logger zerolog.Logger, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Supervisor{logger: logger, grace: grace, sigs: make(chan os.Signal, 4)}
}

// Start launches spec in its own process group with output interleaved into
// the supervisor's streams.
func (s *Supervisor) Start(spec Spec) (*Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p := &Process{Name: spec.Name, spec: spec, cmd: cmd, start: time.Now(), done: make(chan struct{})}
	observability.ObserveChildStart(p.Name)
	s.logger.Info().Str("process", p.Name).Int("pid", p.PID()).Msg("started")

	go func() {
		err := cmd.Wait()
		p.err = err
		p.code = cmd.ProcessState.ExitCode()
		close(p.done)
		observability.ObserveChildExit(p.Name, p.code)
		ev := s.logger.Info()
		if err != nil {
			ev = s.logger.Warn().Err(err)
		}
		ev.Str("process", p.Name).Int("exit_code", p.code).Dur("uptime", time.Since(p.start)).Msg("exited")
	}()

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

// AwaitReady waits for p's readiness check. It fails as soon as p exits.
func (s *Supervisor) AwaitReady(ctx context.Context, p *Process, opts readiness.Options) error {
	if p.spec.Ready == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	res := make(chan error, 1)
	go func() { res <- readiness.Wait(ctx, p.spec.Ready, opts) }()

	select {
	case err := <-res:
		if err == nil {
			s.logger.Info().Str("process", p.Name).Str("check", p.spec.Ready.Name()).Msg("ready")
		}
		return err
	case <-p.done:
		return fmt.Errorf("%w: %s exit code %d", ErrExitedBeforeReady, p.Name, p.code)
	}
}

func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Broadcast sends sig to every running child.
func (s *Supervisor) Broadcast(sig os.Signal) {
	for _, p := range s.Processes() {
		if err := p.Signal(sig); err != nil {
			s.logger.Warn().Err(err).Str("process", p.Name).Str("signal", sig.String()).Msg("signal failed")
		}
	}
}

// Run blocks until a child exits or ctx ends. Signals are relayed to every
// child. When the first child exits the rest are stopped and that child's
// exit error is returned; when ctx ends first, ctx.Err() is.
func (s *Supervisor) Run(ctx context.Context) error {
	procs := s.Processes()
	if len(procs) == 0 {
		return ErrNoProcesses
	}

	signal.Notify(s.sigs, ForwardedSignals...)
	defer signal.Stop(s.sigs)

	exited := make(chan *Process, len(procs))
	for _, p := range procs {
		go func(p *Process) {
			<-p.done
			exited <- p
		}(p)
	}

	for {
		select {
		case sig := <-s.sigs:
			s.logger.Info().Str("signal", sig.String()).Msg("forwarding signal")
			s.Broadcast(sig)
		case p := <-exited:
			s.Stop()
			// A relayed shutdown signal can stop a child before ctx is seen.
			if err := ctx.Err(); err != nil {
				return err
			}
			if p.err != nil {
				return fmt.Errorf("%s exited: %w", p.Name, p.err)
			}
			return fmt.Errorf("%s exited", p.Name)
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		}
	}
}

// Stop sends SIGTERM to every running child, then SIGKILL to those still
// running after the grace period, and waits for all of them.
func (s *Supervisor) Stop() {
	procs := s.Processes()
	s.Broadcast(syscall.SIGTERM)

	var g errgroup.Group
	for _, p := range procs {
		p := p
		g.Go(func() error {
			select {
			case <-p.done:
			case <-time.After(s.grace):
				s.logger.Warn().Str("process", p.Name).Dur("grace", s.grace).Msg("killing after grace period")
				_ = p.Signal(syscall.SIGKILL)
				<-p.done
			}
			return nil
		})
	}
	_ = g.Wait()
}

type processStatus struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Running  bool   `json:"running"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// StatusHandler serves /healthz (200 while every child runs) and /metrics.
func (s *Supervisor) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		var out []processStatus
		healthy := true
		for _, p := range s.Processes() {
			st := processStatus{Name: p.Name, PID: p.PID(), Running: p.Running()}
			if !st.Running {
				code := p.code
				st.ExitCode = &code
				healthy = false
			}
			out = append(out, st)
		}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": healthy, "processes": out})
	})
	mux.Handle("/metrics", observability.MetricsHandler())
	return mux
}

// Exec replaces the current process image with path. It only returns on
// failure.
func Exec(path string, args []string, env []string) error {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	if env == nil {
		env = os.Environ()
	}
	argv := append([]string{path}, args...)
	if err := unix.Exec(resolved, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", resolved, err)
	}
	return nil
}
