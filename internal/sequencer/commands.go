package sequencer

import (
	"fmt"
	"path/filepath"
	"strconv"

	"ragstack/internal/config"
	"ragstack/internal/readiness"
	"ragstack/internal/runner"
	"ragstack/internal/supervisor"
)

func MigrateCommand(cfg config.Entrypoint) runner.Command {
	return runner.Command{Path: cfg.AirflowBin, Args: []string{"db", "migrate"}}
}

func CreateUserCommand(cfg config.Entrypoint) runner.Command {
	u := cfg.Admin
	return runner.Command{Path: cfg.AirflowBin, Args: []string{
		"users", "create",
		"--username", u.Username,
		"--firstname", u.FirstName,
		"--lastname", u.LastName,
		"--role", u.Role,
		"--email", u.Email,
		"--password", u.Password,
	}}
}

func DeleteConnectionCommand(cfg config.Entrypoint) runner.Command {
	return runner.Command{Path: cfg.AirflowBin, Args: []string{"connections", "delete", cfg.Connection.ID}}
}

func AddConnectionCommand(cfg config.Entrypoint) runner.Command {
	c := cfg.Connection
	return runner.Command{Path: cfg.AirflowBin, Args: []string{
		"connections", "add", c.ID,
		"--conn-type", c.Type,
		"--conn-host", c.Host,
		"--conn-port", strconv.Itoa(c.Port),
		"--conn-login", c.Login,
		"--conn-password", c.Password,
		"--conn-schema", c.Schema,
	}}
}

// WebserverSpec is the background process. It counts as ready once it has
// written its PID file (the stale one is gone by then) and its health
// endpoint answers.
func WebserverSpec(cfg config.Entrypoint) supervisor.Spec {
	return supervisor.Spec{
		Name: "webserver",
		Path: cfg.AirflowBin,
		Args: []string{"webserver", "--port", strconv.Itoa(cfg.WebserverPort)},
		Env:  childEnv(cfg),
		Ready: readiness.All{
			readiness.File{Path: filepath.Join(cfg.AirflowHome, config.WebserverPIDFile)},
			readiness.HTTP{URL: fmt.Sprintf("http://localhost:%d/health", cfg.WebserverPort)},
		},
	}
}

func SchedulerSpec(cfg config.Entrypoint) supervisor.Spec {
	return supervisor.Spec{
		Name: "scheduler",
		Path: cfg.AirflowBin,
		Args: []string{"scheduler"},
		Env:  childEnv(cfg),
	}
}

// childEnv pins AIRFLOW_HOME so the PID files land where the sequence
// removes and watches them.
func childEnv(cfg config.Entrypoint) []string {
	return []string{config.EnvAirflowHome + "=" + cfg.AirflowHome}
}
