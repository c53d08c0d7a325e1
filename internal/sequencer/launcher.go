package sequencer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ragstack/internal/config"
	"ragstack/internal/readiness"
	"ragstack/internal/supervisor"
)

// Launcher owns the long-running processes the sequence ends with.
type Launcher interface {
	// Start launches a background process without waiting for it.
	Start(ctx context.Context, spec supervisor.Spec) error
	// AwaitReady waits for a started process's readiness check.
	AwaitReady(ctx context.Context, name string) error
	// Handoff gives the foreground to spec. With exec handoff it does not
	// return on success.
	Handoff(ctx context.Context, spec supervisor.Spec) error
}

type ProcessLauncher struct {
	Supervisor *supervisor.Supervisor
	Mode       config.Handoff
	Ready      readiness.Options
	// StatusAddr, when set in supervise mode, serves /healthz and /metrics.
	StatusAddr string
	Logger     zerolog.Logger

	// exec replaces the process image; swapped in tests.
	exec func(path string, args, env []string) error

	mu    sync.Mutex
	procs map[string]*supervisor.Process
}

func NewProcessLauncher(sup *supervisor.Supervisor, mode config.Handoff, ready readiness.Options, logger zerolog.Logger) *ProcessLauncher {
	return &ProcessLauncher{
		Supervisor: sup,
		Mode:       mode,
		Ready:      ready,
		Logger:     logger,
		exec:       supervisor.Exec,
		procs:      map[string]*supervisor.Process{},
	}
}

func (l *ProcessLauncher) Start(ctx context.Context, spec supervisor.Spec) error {
	if err := ctx.Err(); err != nil {
		return &StepError{Policy: Fatal, Class: ClassCanceled, Err: fmt.Errorf("not starting %s: %w", spec.Name, err)}
	}
	p, err := l.Supervisor.Start(spec)
	if err != nil {
		return &StepError{Class: ClassStartFailed, Err: err}
	}
	l.mu.Lock()
	l.procs[spec.Name] = p
	l.mu.Unlock()
	return nil
}

func (l *ProcessLauncher) AwaitReady(ctx context.Context, name string) error {
	l.mu.Lock()
	p, ok := l.procs[name]
	l.mu.Unlock()
	if !ok {
		return &StepError{Policy: Fatal, Class: ClassStartFailed, Err: fmt.Errorf("%s was not started", name)}
	}
	err := l.Supervisor.AwaitReady(ctx, p, l.Ready)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, supervisor.ErrExitedBeforeReady):
		// A dead background process is not something to continue past.
		return &StepError{Policy: Fatal, Class: ClassNotReady, ExitCode: p.ExitCode(), Err: err}
	default:
		return &StepError{Class: ClassNotReady, Err: err}
	}
}

// Handoff gives the foreground to spec. In supervise mode a shutdown
// requested through ctx, after every child has been stopped, is a clean exit.
func (l *ProcessLauncher) Handoff(ctx context.Context, spec supervisor.Spec) error {
	if l.Mode == config.HandoffExec {
		if err := ctx.Err(); err != nil {
			return &StepError{Class: ClassCanceled, Err: fmt.Errorf("not starting %s: %w", spec.Name, err)}
		}
		var env []string
		if len(spec.Env) > 0 {
			env = append(os.Environ(), spec.Env...)
		}
		l.Logger.Info().Str("process", spec.Name).Msg("replacing entrypoint with foreground process")
		if err := l.exec(spec.Path, spec.Args, env); err != nil {
			return &StepError{Class: ClassStartFailed, Err: err}
		}
		return nil
	}

	if err := l.Start(ctx, spec); err != nil {
		return err
	}
	if l.StatusAddr != "" {
		stop, err := l.serveStatus()
		if err != nil {
			l.Logger.Warn().Err(err).Str("addr", l.StatusAddr).Msg("status server disabled")
		} else {
			defer stop()
		}
	}
	err := l.Supervisor.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		l.Logger.Info().Msg("shutdown requested, all processes stopped")
		return nil
	}
	return err
}

func (l *ProcessLauncher) serveStatus() (func(), error) {
	ln, err := net.Listen("tcp", l.StatusAddr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: l.Supervisor.StatusHandler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Logger.Warn().Err(err).Msg("status server stopped")
		}
	}()
	l.Logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
