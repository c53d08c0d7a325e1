// Package readiness provides the conditions startup waits on instead of fixed
// delays: an HTTP endpoint answering, a port accepting, PostgreSQL accepting
// logins, a file appearing, or all of those in turn.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"ragstack/internal/pidfile"
)

// Check is a single readiness condition.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// HTTP requires a 2xx answer from URL.
type HTTP struct {
	URL    string
	Client *http.Client
}

func (h HTTP) Name() string { return "http " + h.URL }

func (h HTTP) Check(ctx context.Context) error {
	c := h.Client
	if c == nil {
		c = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	res, err := c.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("http %d", res.StatusCode)
	}
	return nil
}

// TCP requires Addr to accept a connection.
type TCP struct {
	Addr string
}

func (t TCP) Name() string { return "tcp " + t.Addr }

func (t TCP) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Postgres requires a successful login and ping against DSN.
type Postgres struct {
	DSN string
}

func (p Postgres) Name() string { return "postgres" }

func (p Postgres) Check(ctx context.Context) error {
	cfg, err := pgx.ParseConfig(p.DSN)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("parse dsn: %w", err))
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	return conn.Ping(ctx)
}

// File requires Path to exist. Check watches the parent directory and returns
// as soon as the file appears, or when ctx ends.
type File struct {
	Path string
}

func (f File) Name() string { return "file " + f.Path }

func (f File) Check(ctx context.Context) error {
	return pidfile.WaitCreated(ctx, f.Path)
}

// All passes when every check passes, evaluated in order.
type All []Check

func (a All) Name() string {
	names := make([]string, len(a))
	for i, c := range a {
		names[i] = c.Name()
	}
	return strings.Join(names, " + ")
}

func (a All) Check(ctx context.Context) error {
	for _, c := range a {
		if err := c.Check(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Options struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
	return o
}

// ErrNotReady wraps the last check failure when Wait gives up.
var ErrNotReady = errors.New("not ready")

// Wait retries c with exponential backoff until it passes, ctx ends or the
// timeout elapses. A zero timeout means only ctx bounds the wait.
func Wait(ctx context.Context, c Check, opts Options) error {
	opts = opts.withDefaults()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.Interval
	b.MaxInterval = opts.MaxInterval
	b.MaxElapsedTime = 0

	var last error
	err := backoff.Retry(func() error {
		last = c.Check(ctx)
		return last
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if last == nil {
		last = err
	}
	return fmt.Errorf("%s: %w: %w", c.Name(), ErrNotReady, last)
}
