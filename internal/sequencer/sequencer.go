// Package sequencer brings the scheduler container up: clear stale process
// state, migrate the metadata schema, provision the admin user and the
// database connection record, then start the webserver in the background and
// hand the foreground to the scheduler.
//
// Migration is fatal: nothing schema-dependent starts after it fails.
// Provisioning is tolerated: "already exists" and real failures alike are
// logged and the sequence continues, so running it twice is safe.
package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ragstack/internal/config"
	"ragstack/internal/observability"
	"ragstack/internal/pidfile"
	"ragstack/internal/readiness"
	"ragstack/internal/runner"
	"ragstack/internal/store"
)

// Step names, in execution order.
const (
	StepRemoveStale      = "remove-stale-pidfiles"
	StepSettle           = "settle"
	StepWaitDatabase     = "wait-database"
	StepMigrate          = "migrate"
	StepCreateUser       = "create-user"
	StepDeleteConnection = "delete-connection"
	StepAddConnection    = "add-connection"
	StepStartWebserver   = "start-webserver"
	StepAwaitWebserver   = "await-webserver"
	StepHandoff          = "handoff-scheduler"
)

// Step outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTolerated = "tolerated"
	OutcomeFailed    = "failed"
)

type Step struct {
	Name   string
	Policy Policy
	Run    func(ctx context.Context) error
}

type StepResult struct {
	Step     string        `json:"step"`
	Policy   Policy        `json:"policy"`
	Outcome  string        `json:"outcome"`
	Class    Class         `json:"class,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

type Report struct {
	RunID string       `json:"run_id"`
	Steps []StepResult `json:"steps"`
	Err   error        `json:"-"`
}

// Ran reports whether step was executed, whatever its outcome.
func (r Report) Ran(step string) bool {
	for _, s := range r.Steps {
		if s.Step == step {
			return true
		}
	}
	return false
}

// Recorder persists run reports. *store.Store satisfies it.
type Recorder interface {
	CreateRun(ctx context.Context, r store.Run) (string, error)
	FinishRun(ctx context.Context, runID, status string, stepsJSON []byte, runErr string) error
}

type Sequencer struct {
	Config   config.Entrypoint
	Runner   runner.CommandRunner
	Launcher Launcher
	Logger   zerolog.Logger
	// Recorder is optional.
	Recorder Recorder
	// DBCheck overrides the metadata database readiness check.
	DBCheck readiness.Check

	stale []pidfile.Stale
}

// Plan returns the ordered steps for the configured variant.
func (s *Sequencer) Plan() []Step {
	cfg := s.Config
	steps := []Step{
		{Name: StepRemoveStale, Policy: Tolerate, Run: s.removeStale},
		{Name: StepSettle, Policy: Tolerate, Run: s.settle},
	}
	if cfg.MetadataDSN != "" || s.DBCheck != nil {
		steps = append(steps, Step{Name: StepWaitDatabase, Policy: Fatal, Run: s.waitDatabase})
	}
	steps = append(steps,
		Step{Name: StepMigrate, Policy: Fatal, Run: s.command(MigrateCommand(cfg))},
		Step{Name: StepCreateUser, Policy: Tolerate, Run: s.command(CreateUserCommand(cfg))},
	)
	if cfg.ManageConn {
		steps = append(steps,
			Step{Name: StepDeleteConnection, Policy: Tolerate, Run: s.command(DeleteConnectionCommand(cfg))},
			Step{Name: StepAddConnection, Policy: Tolerate, Run: s.command(AddConnectionCommand(cfg))},
		)
	}
	steps = append(steps,
		Step{Name: StepStartWebserver, Policy: Fatal, Run: func(ctx context.Context) error {
			return s.Launcher.Start(ctx, WebserverSpec(cfg))
		}},
		Step{Name: StepAwaitWebserver, Policy: Tolerate, Run: func(ctx context.Context) error {
			return s.Launcher.AwaitReady(ctx, "webserver")
		}},
		Step{Name: StepHandoff, Policy: Fatal, Run: func(ctx context.Context) error {
			return s.Launcher.Handoff(ctx, SchedulerSpec(cfg))
		}},
	)
	return steps
}

// Run executes the plan. It stops at the first fatal failure; with exec
// handoff a successful run never returns.
func (s *Sequencer) Run(ctx context.Context) Report {
	report := Report{RunID: uuid.NewString()}
	s.begin(ctx, report.RunID)

	for _, step := range s.Plan() {
		if step.Name == StepHandoff {
			s.finish(ctx, report, store.StatusHandoff)
		}

		log := s.Logger.With().Str("step", step.Name).Logger()
		start := time.Now()
		err := step.Run(ctx)
		// Cancellation aborts even when it surfaced as a tolerated failure.
		// Once handoff has started it owns shutdown.
		if cause := ctx.Err(); cause != nil && step.Name != StepHandoff {
			err = interrupted(err, cause)
		}
		res := StepResult{Step: step.Name, Policy: step.Policy, Outcome: OutcomeOK, Duration: time.Since(start)}

		if err != nil {
			se := classify(step, err)
			res.Class = se.Class
			res.ExitCode = se.ExitCode
			res.Error = se.Err.Error()
			if se.Policy == Fatal {
				res.Outcome = OutcomeFailed
				log.Error().Err(se.Err).Str("class", string(se.Class)).Int("exit_code", se.ExitCode).Dur("duration", res.Duration).Msg("step failed, aborting")
				report.Steps = append(report.Steps, res)
				report.Err = fmt.Errorf("%w: %w", ErrAborted, se)
				observability.ObserveStep(step.Name, res.Outcome, res.Duration)
				break
			}
			res.Outcome = OutcomeTolerated
			log.Warn().Err(se.Err).Str("class", string(se.Class)).Int("exit_code", se.ExitCode).Dur("duration", res.Duration).Msg("step failed, continuing")
		} else {
			log.Info().Dur("duration", res.Duration).Msg("step done")
		}
		report.Steps = append(report.Steps, res)
		observability.ObserveStep(step.Name, res.Outcome, res.Duration)
	}

	if report.Err != nil {
		s.finish(ctx, report, store.StatusFailed)
	}
	return report
}

func (s *Sequencer) command(cmd runner.Command) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		s.Logger.Debug().Str("command", cmd.String()).Msg("running")
		res, err := s.Runner.Run(ctx, cmd)
		if err != nil {
			return commandError(res, err)
		}
		return nil
	}
}

func (s *Sequencer) removeStale(context.Context) error {
	stale, err := pidfile.RemoveStale(s.Config.PIDFiles)
	s.stale = stale
	for _, st := range stale {
		s.Logger.Info().Str("path", st.Path).Int("pid", st.PID).Msg("removed stale pid file")
	}
	return err
}

// settle waits for the processes named by the removed PID files to exit and
// for the webserver port to be released. Nothing to wait for when no stale
// file was found.
func (s *Sequencer) settle(ctx context.Context) error {
	var pids []int
	for _, st := range s.stale {
		if st.PID > 0 {
			pids = append(pids, st.PID)
		}
	}
	if len(s.stale) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.Config.SettleTimeout)
	defer cancel()

	if alive, err := pidfile.WaitExit(ctx, pids, 100*time.Millisecond); err != nil {
		return &StepError{Class: ClassTimeout, Err: fmt.Errorf("previous instance still running %v: %w", alive, err)}
	}
	addr := net.JoinHostPort("", strconv.Itoa(s.Config.WebserverPort))
	if err := pidfile.WaitPortFree(ctx, addr, 100*time.Millisecond); err != nil {
		return &StepError{Class: ClassTimeout, Err: err}
	}
	return nil
}

func (s *Sequencer) waitDatabase(ctx context.Context) error {
	check := s.DBCheck
	if check == nil {
		check = readiness.Postgres{DSN: s.Config.MetadataDSN}
	}
	err := readiness.Wait(ctx, check, readiness.Options{Timeout: s.Config.DBWaitTimeout})
	if err != nil && errors.Is(err, readiness.ErrNotReady) {
		return &StepError{Class: ClassNotReady, Err: err}
	}
	return err
}

func (s *Sequencer) begin(ctx context.Context, runID string) {
	if s.Recorder == nil {
		return
	}
	host, _ := os.Hostname()
	_, err := s.Recorder.CreateRun(ctx, store.Run{
		RunID:      runID,
		Host:       host,
		Handoff:    string(s.Config.Handoff),
		ManageConn: s.Config.ManageConn,
		Status:     store.StatusRunning,
	})
	if err != nil {
		s.Logger.Warn().Err(err).Msg("record run start")
	}
}

func (s *Sequencer) finish(ctx context.Context, report Report, status string) {
	if s.Recorder == nil {
		return
	}
	steps, _ := json.Marshal(report.Steps)
	var runErr string
	if report.Err != nil {
		runErr = report.Err.Error()
	}
	if err := s.Recorder.FinishRun(ctx, report.RunID, status, steps, runErr); err != nil {
		s.Logger.Warn().Err(err).Msg("record run finish")
	}
}
