package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragstack/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func cleanEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv(config.EnvSQLAlchemyConn, "")
	t.Setenv(config.EnvLegacySQLConn, "")
	t.Setenv(config.EnvAirflowHome, t.TempDir())
	t.Setenv(config.EnvHandoff, "")
}

func TestConfigShowMasksSecrets(t *testing.T) {
	cleanEnv(t)
	t.Setenv(config.EnvPostgresPass, "s3cret")

	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")

	var cfg config.Entrypoint
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "***", cfg.Connection.Password)
	assert.Equal(t, "postgres_default", cfg.Connection.ID)
}

func TestEnvFileLoaded(t *testing.T) {
	cleanEnv(t)
	_, wasSet := os.LookupEnv(config.EnvWebserverPort)
	require.False(t, wasSet, "test expects %s unset", config.EnvWebserverPort)
	t.Cleanup(func() { os.Unsetenv(config.EnvWebserverPort) })

	env := filepath.Join(t.TempDir(), "stack.env")
	require.NoError(t, os.WriteFile(env, []byte(config.EnvWebserverPort+"=9191\n"), 0o644))

	out, err := run(t, "--env-file", env, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"webserver_port": 9191`)
}

func TestEntrypointDryRun(t *testing.T) {
	cleanEnv(t)

	out, err := run(t, "entrypoint", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "migrate")
	assert.Contains(t, out, "handoff-scheduler")
	assert.NotContains(t, out, "add-connection")

	out, err = run(t, "entrypoint", "--dry-run", "--with-connection")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 9)
	assert.Contains(t, lines[4], "delete-connection")
	assert.Contains(t, lines[5], "add-connection")
	assert.Contains(t, lines[2], "fatal")
}

func TestEntrypointRejectsBadHandoff(t *testing.T) {
	cleanEnv(t)
	_, err := run(t, "entrypoint", "--dry-run", "--handoff", "fork")
	require.ErrorIs(t, err, config.ErrInvalidHandoff)
}

func TestInvalidLogLevel(t *testing.T) {
	cleanEnv(t)
	_, err := run(t, "--log-level", "loud", "config", "show")
	require.Error(t, err)
}

func TestDBCommandsNeedDSN(t *testing.T) {
	cleanEnv(t)
	_, err := run(t, "db", "init")
	require.ErrorContains(t, err, "missing --dsn")
	_, err = run(t, "db", "runs")
	require.ErrorContains(t, err, "missing --dsn")
}

func TestHealthcheck(t *testing.T) {
	cleanEnv(t)
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	out, err := run(t, "healthcheck", "--url", ok.URL)
	require.NoError(t, err)
	assert.Equal(t, "healthy: 200\n", out)

	_, err = run(t, "healthcheck", "--url", bad.URL)
	require.ErrorContains(t, err, "http 503")
}

const composeFixture = `
services:
  db:
    image: postgres:16
    ports: ["%s:5432"]
    healthcheck:
      test: ["CMD", "pg_isready"]
  app:
    build: .
    depends_on:
      db:
        condition: service_healthy
`

func writeCompose(t *testing.T, port string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	p := filepath.Join(dir, "compose.yaml")
	require.NoError(t, os.WriteFile(p, []byte(strings.Replace(composeFixture, "%s", port, 1)), 0o644))
	return p
}

func TestTopologyValidateAndPlan(t *testing.T) {
	cleanEnv(t)
	f := writeCompose(t, "5432")

	out, err := run(t, "topology", "validate", "-f", f)
	require.NoError(t, err)
	assert.Equal(t, "ok: 2 services\n", out)

	out, err = run(t, "topology", "plan", "-f", f)
	require.NoError(t, err)
	var plan struct {
		Levels [][]string `json:"levels"`
		Gates  []struct {
			Service, DependsOn, Condition string
		} `json:"gates"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, [][]string{{"db"}, {"app"}}, plan.Levels)
	require.Len(t, plan.Gates, 1)
	assert.Equal(t, "service_healthy", plan.Gates[0].Condition)
}

func TestTopologyCheck(t *testing.T) {
	cleanEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	out, err := run(t, "topology", "check", "-f", writeCompose(t, port), "--host", "127.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, `"ok": true`)

	ln.Close()
	out, err = run(t, "topology", "check", "-f", writeCompose(t, port), "--host", "127.0.0.1", "--timeout", "500ms")
	require.ErrorContains(t, err, "unreachable: db")
	assert.Contains(t, out, `"ok": false`)
}

func TestOpenLedgerRejectsBadDSN(t *testing.T) {
	_, err := openLedger(context.Background(), "postgres://%zz")
	require.Error(t, err)
}

func TestDBInitAndLedgerLive(t *testing.T) {
	dsn := os.Getenv("RAGSTACK_TEST_DSN")
	if dsn == "" {
		t.Skip("RAGSTACK_TEST_DSN not set")
	}
	cleanEnv(t)

	out, err := run(t, "--dsn", dsn, "db", "init")
	require.NoError(t, err)
	assert.Equal(t, "ok: schema applied\n", out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := openLedger(ctx, dsn)
	require.NoError(t, err)
	st.Close()

	out, err = run(t, "--dsn", dsn, "db", "runs", "--limit", "1")
	require.NoError(t, err)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.LessOrEqual(t, len(runs), 1)
}
