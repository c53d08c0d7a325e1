// Package config resolves the entrypoint settings from the environment, with
// the documented fallbacks applied when a variable is unset.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvAirflowHome    = "AIRFLOW_HOME"
	EnvPostgresHost   = "POSTGRES_HOST"
	EnvPostgresPort   = "POSTGRES_PORT"
	EnvPostgresUser   = "POSTGRES_USER"
	EnvPostgresPass   = "POSTGRES_PASSWORD"
	EnvPostgresDB     = "POSTGRES_DB"
	EnvSQLAlchemyConn = "AIRFLOW__DATABASE__SQL_ALCHEMY_CONN"
	EnvLegacySQLConn  = "AIRFLOW__CORE__SQL_ALCHEMY_CONN"
	EnvAirflowBin     = "RAGSTACK_AIRFLOW_BIN"
	EnvWebserverPort  = "RAGSTACK_WEBSERVER_PORT"
	EnvSettleTimeout  = "RAGSTACK_SETTLE_TIMEOUT"
	EnvReadyTimeout   = "RAGSTACK_READY_TIMEOUT"
	EnvDBWaitTimeout  = "RAGSTACK_DB_WAIT_TIMEOUT"
	EnvHandoff        = "RAGSTACK_HANDOFF"
)

const (
	DefaultAirflowHome  = "/opt/airflow"
	DefaultPostgresHost = "postgres"
	DefaultPostgresPort = 5432
	DefaultPostgresUser = "rag_user"
	DefaultPostgresPass = "rag_password"
	DefaultPostgresDB   = "rag_db"

	DefaultConnectionID   = "postgres_default"
	DefaultConnectionType = "postgres"
	DefaultWebserverPort  = 8080

	WebserverPIDFile = "airflow-webserver.pid"
	SchedulerPIDFile = "airflow-scheduler.pid"
)

type Handoff string

const (
	// HandoffExec replaces the entrypoint image with the scheduler.
	HandoffExec Handoff = "exec"
	// HandoffSupervise keeps the entrypoint as parent of both processes.
	HandoffSupervise Handoff = "supervise"
)

var (
	ErrInvalidPort    = errors.New("config: invalid port")
	ErrInvalidHandoff = errors.New("config: invalid handoff mode")
)

// Connection is the credential record registered with the scheduler.
type Connection struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Login    string `json:"login"`
	Password string `json:"password"`
	Schema   string `json:"schema"`
}

// DSN renders the record as a libpq URL.
func (c Connection) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Login, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Schema,
	}
	return u.String()
}

// Masked returns a copy safe to print.
func (c Connection) Masked() Connection {
	if c.Password != "" {
		c.Password = "***"
	}
	return c
}

type AdminUser struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type Entrypoint struct {
	AirflowHome   string        `json:"airflow_home"`
	AirflowBin    string        `json:"airflow_bin"`
	PIDFiles      []string      `json:"pid_files"`
	WebserverPort int           `json:"webserver_port"`
	Admin         AdminUser     `json:"admin"`
	Connection    Connection    `json:"connection"`
	ManageConn    bool          `json:"manage_connection"`
	MetadataDSN   string        `json:"metadata_dsn,omitempty"`
	SettleTimeout time.Duration `json:"settle_timeout"`
	ReadyTimeout  time.Duration `json:"ready_timeout"`
	DBWaitTimeout time.Duration `json:"db_wait_timeout"`
	Handoff       Handoff       `json:"handoff"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads the given files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv resolves the entrypoint config. A nil lookup means os.LookupEnv.
func FromEnv(lookup LookupFunc) (Entrypoint, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}

	home := get(EnvAirflowHome, DefaultAirflowHome)
	cfg := Entrypoint{
		AirflowHome: home,
		AirflowBin:  get(EnvAirflowBin, "airflow"),
		PIDFiles: []string{
			filepath.Join(home, WebserverPIDFile),
			filepath.Join(home, SchedulerPIDFile),
		},
		Admin: AdminUser{
			Username:  "admin",
			FirstName: "Admin",
			LastName:  "User",
			Role:      "Admin",
			Email:     "admin@example.com",
			Password:  "admin",
		},
		Connection: Connection{
			ID:       DefaultConnectionID,
			Type:     DefaultConnectionType,
			Host:     get(EnvPostgresHost, DefaultPostgresHost),
			Login:    get(EnvPostgresUser, DefaultPostgresUser),
			Password: get(EnvPostgresPass, DefaultPostgresPass),
			Schema:   get(EnvPostgresDB, DefaultPostgresDB),
		},
		MetadataDSN: SQLAlchemyToDSN(get(EnvSQLAlchemyConn, get(EnvLegacySQLConn, ""))),
		Handoff:     Handoff(get(EnvHandoff, string(HandoffExec))),
	}

	var err error
	if cfg.Connection.Port, err = parsePort(get(EnvPostgresPort, strconv.Itoa(DefaultPostgresPort))); err != nil {
		return Entrypoint{}, fmt.Errorf("%s: %w", EnvPostgresPort, err)
	}
	if cfg.WebserverPort, err = parsePort(get(EnvWebserverPort, strconv.Itoa(DefaultWebserverPort))); err != nil {
		return Entrypoint{}, fmt.Errorf("%s: %w", EnvWebserverPort, err)
	}
	if cfg.SettleTimeout, err = time.ParseDuration(get(EnvSettleTimeout, "10s")); err != nil {
		return Entrypoint{}, fmt.Errorf("%s: %w", EnvSettleTimeout, err)
	}
	if cfg.ReadyTimeout, err = time.ParseDuration(get(EnvReadyTimeout, "60s")); err != nil {
		return Entrypoint{}, fmt.Errorf("%s: %w", EnvReadyTimeout, err)
	}
	if cfg.DBWaitTimeout, err = time.ParseDuration(get(EnvDBWaitTimeout, "60s")); err != nil {
		return Entrypoint{}, fmt.Errorf("%s: %w", EnvDBWaitTimeout, err)
	}
	if err := cfg.Validate(); err != nil {
		return Entrypoint{}, err
	}
	return cfg, nil
}

func (c Entrypoint) Validate() error {
	switch c.Handoff {
	case HandoffExec, HandoffSupervise:
	default:
		return fmt.Errorf("%w: %q (want exec|supervise)", ErrInvalidHandoff, c.Handoff)
	}
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Connection.Port)
	}
	if c.WebserverPort <= 0 || c.WebserverPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.WebserverPort)
	}
	return nil
}

// Masked returns a copy with every secret replaced.
func (c Entrypoint) Masked() Entrypoint {
	c.Connection = c.Connection.Masked()
	if c.Admin.Password != "" {
		c.Admin.Password = "***"
	}
	if c.MetadataDSN != "" {
		c.MetadataDSN = maskDSN(c.MetadataDSN)
	}
	return c
}

// SQLAlchemyToDSN turns "postgresql+psycopg2://u:p@h/db" into a URL pgx
// understands. Non-postgres URLs yield "".
func SQLAlchemyToDSN(raw string) string {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return ""
	}
	driver, _, _ := strings.Cut(scheme, "+")
	switch driver {
	case "postgresql", "postgres":
		return "postgres://" + rest
	default:
		return ""
	}
}

func parsePort(raw string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, raw)
	}
	return p, nil
}

// maskDSN hides the password in a URL DSN. Credentials end at the last "@",
// so an unescaped "@" inside the password is masked too.
func maskDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	creds, host := rest[:at], rest[at+1:]
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":***@" + host
}
