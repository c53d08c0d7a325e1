package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status, err := Check(context.Background(), srv.URL+"/api/v1/health", time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, ExitCode(err))
}

func TestCheckNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	status, err := Check(context.Background(), srv.URL, time.Second)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, 1, ExitCode(err))
}

func TestCheckTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := Check(context.Background(), srv.URL, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestCheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Check(context.Background(), url, time.Second)
	assert.Error(t, err)
}

func TestCheckBadURL(t *testing.T) {
	_, err := Check(context.Background(), "::not a url", time.Second)
	assert.Error(t, err)
}
