package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/darkstar/internal/metrics"
	"github.com/yourorg/darkstar/internal/model"
)

func TestNormalizeArgs(t *testing.T) {
	got := normalizeArgs([]string{"-t", "10.0.0.1", "-env", "/tmp/a.env", "-env=/tmp/b.env", "--envfile", "x"})
	assert.Equal(t, []string{"-t", "10.0.0.1", "--envfile", "/tmp/a.env", "--envfile=/tmp/b.env", "--envfile", "x"}, got)
}

func parseFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := viper.New()
	var code int
	cmd := newRootCmd(v, &code)
	require.NoError(t, cmd.ParseFlags(normalizeArgs(args)))
	return v
}

func TestScanRequestFromFlags(t *testing.T) {
	v := parseFlags(t, "-t", "10.0.0.0/30,example.com", "-m", "3", "-d", "acme", "--bruteforce", "--bruteforce-timeout", "120", "-env", "/tmp/x.env")
	req, err := scanRequest(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/30,example.com"}, req.Targets)
	assert.Equal(t, model.ModeAggressive, req.Mode)
	assert.Equal(t, "acme", req.Organization)
	assert.True(t, req.Options.Bruteforce)
	assert.Equal(t, 2*time.Minute, req.Options.BruteforceTimeout)
	assert.Equal(t, "/tmp/x.env", v.GetString("envfile"))
}

func TestScanRequestDefaults(t *testing.T) {
	v := parseFlags(t, "--target", "example.com", "--mode", "openvas", "--domain", "acme")
	req, err := scanRequest(v)
	require.NoError(t, err)
	assert.Equal(t, model.ModeFullAssessment, req.Mode)
	assert.False(t, req.Options.Bruteforce)
	assert.Equal(t, 300*time.Second, req.Options.BruteforceTimeout)
	assert.Equal(t, defaultEnvFile, v.GetString("envfile"))
}

func TestScanRequestRejectsBadInput(t *testing.T) {
	_, err := scanRequest(parseFlags(t, "-t", "example.com", "-m", "9", "-d", "acme"))
	assert.ErrorIs(t, err, model.ErrUnknownMode)

	_, err = scanRequest(parseFlags(t, "-t", "example.com", "-m", "1", "-d", " "))
	assert.Error(t, err)

	_, err = scanRequest(parseFlags(t, "-t", "example.com", "-m", "1", "-d", "acme", "--bruteforce-timeout", "-5"))
	assert.Error(t, err)
}

func TestMissingRequiredFlags(t *testing.T) {
	assert.Equal(t, 1, execute([]string{"-t", "example.com"}))
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthz(t *testing.T) {
	m := metrics.New()
	m.RequestFinished("completed")

	srv := httptest.NewServer(newMux(fakePinger{}, m))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := httptest.NewServer(newMux(fakePinger{err: errors.New("refused")}, m))
	defer down.Close()
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
