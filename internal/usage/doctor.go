package usage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"
)

const defaultDoctorFetchTimeout = 15 * time.Second

// DoctorEnv is what the doctor probes. Zero-valued fields skip their check.
type DoctorEnv struct {
	ConfigPath    string
	Credentials   func(ctx context.Context) (string, error)
	Fetcher       *Fetcher
	FetchTimeout  time.Duration
	NotifyCommand string
}

type DoctorReport struct {
	Checks []DoctorCheck `json:"checks"`
}

func RunDoctor(ctx context.Context, env DoctorEnv) DoctorReport {
	var checks []DoctorCheck

	if env.ConfigPath != "" {
		checks = append(checks, checkConfigFile(env.ConfigPath))
	}
	if env.Credentials != nil {
		checks = append(checks, checkCredentials(ctx, env.Credentials))
	}
	if env.Fetcher != nil {
		timeout := env.FetchTimeout
		if timeout <= 0 {
			timeout = defaultDoctorFetchTimeout
		}
		checks = append(checks, checkFetch(ctx, env.Fetcher, timeout))
	}
	if env.NotifyCommand != "" {
		checks = append(checks, checkNotifyCommand(env.NotifyCommand))
	}
	return DoctorReport{Checks: checks}
}

// Healthy is false when credentials or the usage fetch failed. Config and
// notifier problems are reported but do not stop monitoring.
func (r DoctorReport) Healthy() bool {
	if len(r.Checks) == 0 {
		return false
	}
	for _, c := range r.Checks {
		switch c.Name {
		case "credentials", "usage fetch":
			if !c.OK {
				return false
			}
		}
	}
	return true
}

func checkConfigFile(path string) DoctorCheck {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DoctorCheck{Name: "config file", OK: true, Details: fmt.Sprintf("%s not found; using defaults", path)}
	}
	if err != nil {
		return DoctorCheck{Name: "config file", OK: false, Details: err.Error()}
	}
	if info.IsDir() {
		return DoctorCheck{Name: "config file", OK: false, Details: fmt.Sprintf("%s is a directory", path)}
	}
	return DoctorCheck{Name: "config file", OK: true, Details: path}
}

func checkCredentials(ctx context.Context, describe func(context.Context) (string, error)) DoctorCheck {
	details, err := describe(ctx)
	if err != nil {
		return DoctorCheck{Name: "credentials", OK: false, Details: err.Error()}
	}
	return DoctorCheck{Name: "credentials", OK: true, Details: details}
}

func checkFetch(parent context.Context, f *Fetcher, timeout time.Duration) DoctorCheck {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	snapshot, err := f.FetchQuota(ctx, true)
	if err != nil {
		return DoctorCheck{Name: "usage fetch", OK: false, Details: err.Error()}
	}
	return DoctorCheck{
		Name: "usage fetch",
		OK:   true,
		Details: fmt.Sprintf(
			"5h=%.1f%% weekly=%.1f%% session resets in %s",
			snapshot.FiveHour.Utilization,
			snapshot.SevenDay.Utilization,
			resetText(snapshot.FiveHour),
		),
	}
}

func checkNotifyCommand(command string) DoctorCheck {
	path, err := exec.LookPath(command)
	if err != nil {
		return DoctorCheck{Name: "notification command", OK: false, Details: err.Error()}
	}
	return DoctorCheck{Name: "notification command", OK: true, Details: path}
}

func resetText(w WindowSummary) string {
	if w.SecondsUntilReset == nil {
		return "unknown"
	}
	if *w.SecondsUntilReset <= 0 {
		return "now"
	}
	return (time.Duration(*w.SecondsUntilReset) * time.Second).String()
}
