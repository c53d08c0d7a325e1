// Package probe is the container liveness check: one HTTP GET against a
// fixed local path.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultURL     = "http://localhost:8000/api/v1/health"
	DefaultTimeout = 5 * time.Second
)

// Check performs a single GET and fails on transport errors, non-2xx status,
// or a panic anywhere in the request path.
func Check(ctx context.Context, url string, timeout time.Duration) (status int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	if res.StatusCode/100 != 2 {
		return res.StatusCode, fmt.Errorf("http %d", res.StatusCode)
	}
	return res.StatusCode, nil
}

// ExitCode maps a probe result to the process exit status Docker expects.
func ExitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}
