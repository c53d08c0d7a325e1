package sequencer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragstack/internal/config"
	"ragstack/internal/readiness"
	"ragstack/internal/runner"
	"ragstack/internal/store"
	"ragstack/internal/supervisor"
)

const fakeAirflowScript = `#!/bin/sh
echo "$*" >> "$RAGSTACK_FAKE_LOG"
case "$1 $2" in
  "db migrate") exit "${RAGSTACK_FAKE_MIGRATE_EXIT:-0}" ;;
  "users create")
    if [ -f "$RAGSTACK_FAKE_STATE/user" ]; then echo "user already exists" >&2; exit 1; fi
    touch "$RAGSTACK_FAKE_STATE/user" ;;
  "connections delete")
    if [ ! -f "$RAGSTACK_FAKE_STATE/conn" ]; then echo "not found" >&2; exit 1; fi
    rm "$RAGSTACK_FAKE_STATE/conn" ;;
  "connections add")
    if [ -f "$RAGSTACK_FAKE_STATE/conn" ]; then exit 1; fi
    echo "$*" > "$RAGSTACK_FAKE_STATE/conn" ;;
  "webserver --port")
    echo $$ > "$AIRFLOW_HOME/airflow-webserver.pid"
    exec sleep 30 ;;
  "scheduler ") exec sleep 30 ;;
esac
exit 0
`

type fakeBin struct {
	path  string
	log   string
	state string
}

func installFakeAirflow(t *testing.T) fakeBin {
	t.Helper()
	dir := t.TempDir()
	fb := fakeBin{
		path:  filepath.Join(dir, "airflow"),
		log:   filepath.Join(dir, "calls.log"),
		state: filepath.Join(dir, "state"),
	}
	require.NoError(t, os.MkdirAll(fb.state, 0o755))
	require.NoError(t, os.WriteFile(fb.path, []byte(fakeAirflowScript), 0o755))
	t.Setenv("RAGSTACK_FAKE_LOG", fb.log)
	t.Setenv("RAGSTACK_FAKE_STATE", fb.state)
	return fb
}

func (fb fakeBin) calls(t *testing.T) []string {
	t.Helper()
	b, err := os.ReadFile(fb.log)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

type execCall struct {
	path string
	args []string
}

func newExecLauncher(t *testing.T, calls *[]execCall) *ProcessLauncher {
	t.Helper()
	sup := supervisor.New(zerolog.Nop(), time.Second)
	t.Cleanup(sup.Stop)
	l := NewProcessLauncher(sup, config.HandoffExec, readiness.Options{Interval: 20 * time.Millisecond, Timeout: 200 * time.Millisecond}, zerolog.Nop())
	l.exec = func(path string, args, _ []string) error {
		*calls = append(*calls, execCall{path: path, args: args})
		return nil
	}
	return l
}

func TestEndToEndWithFakeAirflow(t *testing.T) {
	fb := installFakeAirflow(t)
	cfg := testConfig(t, nil)
	cfg.AirflowBin = fb.path

	var execs []execCall
	var out bytes.Buffer
	l := newExecLauncher(t, &execs)
	seq := &Sequencer{
		Config:   cfg,
		Runner:   runner.ExecRunner{Stdout: &out, Stderr: &out},
		Launcher: l,
		Logger:   zerolog.Nop(),
	}

	report := seq.Run(context.Background())
	require.NoError(t, report.Err)

	calls := fb.calls(t)
	require.Len(t, calls, 5)
	assert.Equal(t, "db migrate", calls[0])
	assert.True(t, strings.HasPrefix(calls[1], "users create"))
	assert.Equal(t, "connections delete postgres_default", calls[2])
	assert.Equal(t, "connections add postgres_default --conn-type postgres --conn-host postgres --conn-port 5432 --conn-login rag_user --conn-password rag_password --conn-schema rag_db", calls[3])
	assert.True(t, strings.HasPrefix(calls[4], "webserver --port"))

	// The webserver never answers /health here: tolerated, then handoff.
	assert.Equal(t, OutcomeTolerated, outcome(report, StepAwaitWebserver).Outcome)
	require.Len(t, execs, 1)
	assert.Equal(t, fb.path, execs[0].path)
	assert.Equal(t, []string{"scheduler"}, execs[0].args)

	// Second run against the same state: nothing fatal.
	second := (&Sequencer{Config: cfg, Runner: runner.ExecRunner{Stdout: &out, Stderr: &out}, Launcher: newExecLauncher(t, &execs), Logger: zerolog.Nop()}).Run(context.Background())
	require.NoError(t, second.Err)
	assert.Equal(t, OutcomeTolerated, outcome(second, StepCreateUser).Outcome)
	assert.Contains(t, out.String(), "user already exists")
}

func TestEndToEndMigrationFailureStartsNothing(t *testing.T) {
	fb := installFakeAirflow(t)
	t.Setenv("RAGSTACK_FAKE_MIGRATE_EXIT", "3")
	cfg := testConfig(t, nil)
	cfg.AirflowBin = fb.path

	var execs []execCall
	var out bytes.Buffer
	l := newExecLauncher(t, &execs)
	report := (&Sequencer{Config: cfg, Runner: runner.ExecRunner{Stdout: &out, Stderr: &out}, Launcher: l, Logger: zerolog.Nop()}).Run(context.Background())

	var se *StepError
	require.True(t, errors.As(report.Err, &se))
	assert.Equal(t, 3, se.ExitCode)
	assert.Equal(t, []string{"db migrate"}, fb.calls(t))
	assert.Empty(t, execs)
	assert.Empty(t, l.Supervisor.Processes())
}

func TestProcessLauncherAwaitUnknown(t *testing.T) {
	var execs []execCall
	l := newExecLauncher(t, &execs)
	err := l.AwaitReady(context.Background(), "webserver")
	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, Fatal, se.Policy)
}

func TestProcessLauncherExitBeforeReady(t *testing.T) {
	var execs []execCall
	l := newExecLauncher(t, &execs)
	require.NoError(t, l.Start(context.Background(), supervisor.Spec{
		Name:  "webserver",
		Path:  "sh",
		Args:  []string{"-c", "exit 7"},
		Ready: readiness.File{Path: filepath.Join(t.TempDir(), "never")},
	}))

	err := l.AwaitReady(context.Background(), "webserver")
	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, Fatal, se.Policy)
	assert.Equal(t, 7, se.ExitCode)
}

func TestProcessLauncherExecFailure(t *testing.T) {
	var execs []execCall
	l := newExecLauncher(t, &execs)
	l.exec = func(string, []string, []string) error { return errors.New("no such file") }

	err := l.Handoff(context.Background(), supervisor.Spec{Name: "scheduler", Path: "airflow"})
	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ClassStartFailed, se.Class)
}

func TestProcessLauncherSupervise(t *testing.T) {
	sup := supervisor.New(zerolog.Nop(), time.Second)
	l := NewProcessLauncher(sup, config.HandoffSupervise, readiness.Options{}, zerolog.Nop())
	l.StatusAddr = "127.0.0.1:0"

	require.NoError(t, l.Start(context.Background(), supervisor.Spec{Name: "webserver", Path: "sh", Args: []string{"-c", "sleep 30"}}))
	web := sup.Processes()[0]

	err := l.Handoff(context.Background(), supervisor.Spec{Name: "scheduler", Path: "sh", Args: []string{"-c", "sleep 0.1; exit 0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler exited")
	assert.False(t, web.Running())
}

func TestProcessLauncherRefusesToStartAfterCancel(t *testing.T) {
	var execs []execCall
	l := newExecLauncher(t, &execs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Start(ctx, supervisor.Spec{Name: "webserver", Path: "sh", Args: []string{"-c", "sleep 5"}})
	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, Fatal, se.Policy)
	assert.Equal(t, ClassCanceled, se.Class)
	assert.Empty(t, l.Supervisor.Processes())

	require.Error(t, l.Handoff(ctx, supervisor.Spec{Name: "scheduler", Path: "airflow"}))
	assert.Empty(t, execs)
}

func TestProcessLauncherSuperviseShutdownIsClean(t *testing.T) {
	sup := supervisor.New(zerolog.Nop(), time.Second)
	l := NewProcessLauncher(sup, config.HandoffSupervise, readiness.Options{}, zerolog.Nop())
	require.NoError(t, l.Start(context.Background(), supervisor.Spec{Name: "webserver", Path: "sh", Args: []string{"-c", "sleep 30"}}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(200*time.Millisecond, cancel)

	err := l.Handoff(ctx, supervisor.Spec{Name: "scheduler", Path: "sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	require.Len(t, sup.Processes(), 2)
	for _, p := range sup.Processes() {
		assert.False(t, p.Running(), p.Name)
	}
}

func TestEndToEndSuperviseStopsCleanlyOnCancel(t *testing.T) {
	fb := installFakeAirflow(t)
	cfg := testConfig(t, nil)
	cfg.AirflowBin = fb.path
	cfg.Handoff = config.HandoffSupervise

	sup := supervisor.New(zerolog.Nop(), time.Second)
	t.Cleanup(sup.Stop)
	l := NewProcessLauncher(sup, config.HandoffSupervise, readiness.Options{Interval: 20 * time.Millisecond, Timeout: 200 * time.Millisecond}, zerolog.Nop())
	rec := &fakeRecorder{}
	var out bytes.Buffer
	seq := &Sequencer{Config: cfg, Runner: runner.ExecRunner{Stdout: &out, Stderr: &out}, Launcher: l, Logger: zerolog.Nop(), Recorder: rec}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// Cancel once the scheduler is up under supervision.
		for len(sup.Processes()) < 2 {
			time.Sleep(20 * time.Millisecond)
		}
		cancel()
	}()

	report := seq.Run(ctx)
	require.NoError(t, report.Err)
	assert.Equal(t, OutcomeOK, outcome(report, StepHandoff).Outcome)
	assert.Equal(t, []string{store.StatusHandoff}, rec.statuses)
	for _, p := range sup.Processes() {
		assert.False(t, p.Running(), p.Name)
	}
}
