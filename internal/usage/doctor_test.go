package usage

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDoctorHealthyWithWorkingFetch(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(usageBody))
	}, &fakeTokens{token: "tok"})

	report := RunDoctor(context.Background(), DoctorEnv{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
		Credentials: func(context.Context) (string, error) {
			return "local credentials for dev@example.com", nil
		},
		Fetcher: f,
	})

	require.Len(t, report.Checks, 3)
	assert.Equal(t, "config file", report.Checks[0].Name)
	assert.True(t, report.Checks[0].OK)
	assert.Contains(t, report.Checks[0].Details, "using defaults")
	assert.Equal(t, "usage fetch", report.Checks[2].Name)
	assert.Contains(t, report.Checks[2].Details, "5h=42.5%")
	assert.Contains(t, report.Checks[2].Details, "3h0m0s")
	assert.True(t, report.Healthy())
}

func TestRunDoctorUnhealthyWithoutCredentials(t *testing.T) {
	report := RunDoctor(context.Background(), DoctorEnv{
		Credentials: func(context.Context) (string, error) {
			return "", errors.New("no credentials stored")
		},
	})
	require.Len(t, report.Checks, 1)
	assert.False(t, report.Checks[0].OK)
	assert.False(t, report.Healthy())
}

func TestRunDoctorFailedFetchIsUnhealthy(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, &fakeTokens{token: "tok"})

	report := RunDoctor(context.Background(), DoctorEnv{Fetcher: f})
	require.Len(t, report.Checks, 1)
	assert.False(t, report.Checks[0].OK)
	assert.False(t, report.Healthy())
}

func TestRunDoctorConfigDirectoryAndMissingNotifierDoNotFailHealth(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config.yaml"), 0o755))

	report := RunDoctor(context.Background(), DoctorEnv{
		ConfigPath: filepath.Join(dir, "config.yaml"),
		Credentials: func(context.Context) (string, error) {
			return "ok", nil
		},
		NotifyCommand: "definitely-not-a-real-notifier-binary",
	})
	require.Len(t, report.Checks, 3)
	assert.False(t, report.Checks[0].OK)
	assert.False(t, report.Checks[2].OK)
	assert.True(t, report.Healthy())
}

func TestEmptyReportIsNotHealthy(t *testing.T) {
	assert.False(t, DoctorReport{}.Healthy())
}
