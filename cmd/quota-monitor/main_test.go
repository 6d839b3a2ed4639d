package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunHelpListsCommands(t *testing.T) {
	code, stdout, _ := runWithCapturedOutput(t, []string{"help"})
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	for _, want := range []string{"completion [shell]", "terminal user interface (TUI)", "run [flags]", "login [flags]", "doctor [flags]"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected help to mention %q, got:\n%s", want, stdout)
		}
	}
}

func TestRunUnknownCommandIsUsageError(t *testing.T) {
	code, _, stderr := runWithCapturedOutput(t, []string{"frobnicate"})
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
	if !strings.Contains(stderr, "unknown command: frobnicate") {
		t.Fatalf("expected unknown command error, got:\n%s", stderr)
	}
}

func TestRunCompletionDefaultIsBash(t *testing.T) {
	code, stdout, _ := runWithCapturedOutput(t, []string{"completion"})
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if !strings.Contains(stdout, "complete -F _quota_monitor_completion quota-monitor") {
		t.Fatalf("expected bash completion output, got:\n%s", stdout)
	}
}

func TestRunCompletionZsh(t *testing.T) {
	code, stdout, _ := runWithCapturedOutput(t, []string{"completion", "zsh"})
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if !strings.Contains(stdout, "#compdef quota-monitor") {
		t.Fatalf("expected zsh completion output, got:\n%s", stdout)
	}
}

func TestRunCompletionRejectsUnknownShell(t *testing.T) {
	code, _, stderr := runWithCapturedOutput(t, []string{"completion", "fish"})
	if code != 2 {
		t.Fatalf("expected code 2 for unsupported shell, got %d", code)
	}
	if !strings.Contains(stderr, "unsupported shell") {
		t.Fatalf("expected unsupported shell error, got:\n%s", stderr)
	}
}

func TestRunRejectsNonPositiveTimeouts(t *testing.T) {
	for _, cmd := range []string{"status", "doctor"} {
		code, _, stderr := runWithCapturedOutput(t, []string{cmd, "--timeout", "0s"})
		if code != 2 {
			t.Fatalf("%s: expected code 2, got %d", cmd, code)
		}
		if !strings.Contains(stderr, "--timeout must be > 0") {
			t.Fatalf("%s: expected timeout error, got:\n%s", cmd, stderr)
		}
	}
}

func TestRunInvalidConfigFails(t *testing.T) {
	t.Setenv("QUOTA_MONITOR_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("polling:\n  interval_sec: 5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	code, _, stderr := runWithCapturedOutput(t, []string{"status", "--config", path})
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr, "interval_sec must be at least 15") {
		t.Fatalf("expected validation error, got:\n%s", stderr)
	}
}

func TestStatusAndDoctorAgainstUsageServer(t *testing.T) {
	configPath := writeExternalSetup(t)

	code, stdout, stderr := runWithCapturedOutput(t, []string{"status", "--json", "--config", configPath})
	if code != 0 {
		t.Fatalf("status: expected code 0, got %d\nstderr:\n%s", code, stderr)
	}
	var status struct {
		Snapshot struct {
			FiveHour struct {
				Utilization float64 `json:"utilization"`
			} `json:"five_hour"`
		} `json:"snapshot"`
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, stdout)
	}
	if status.Snapshot.FiveHour.Utilization != 80 || status.Level != "warning" {
		t.Fatalf("unexpected status: %+v", status)
	}

	code, stdout, stderr = runWithCapturedOutput(t, []string{"doctor", "--config", configPath})
	if code != 0 {
		t.Fatalf("doctor: expected code 0, got %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
	for _, want := range []string{"[PASS] config file", "[PASS] credentials", "source=external", "[PASS] usage fetch", "5h=80.0%"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in doctor output:\n%s", want, stdout)
		}
	}
}

func TestLoginRejectedForExternalCredentials(t *testing.T) {
	configPath := writeExternalSetup(t)
	code, _, stderr := runWithCapturedOutput(t, []string{"login", "--config", configPath})
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr, "managed externally") {
		t.Fatalf("expected external source error, got:\n%s", stderr)
	}
}

func TestLoginStoresCredentialsThenLogoutRemovesThem(t *testing.T) {
	home := t.TempDir()
	t.Setenv("QUOTA_MONITOR_HOME", home)

	var exchanged atomic.Value
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		exchanged.Store(r.PostForm.Get("grant_type") + ":" + r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-login","refresh_token":"ref-login","expires_in":3600,"token_type":"Bearer","account":{"uuid":"acc-1","email_address":"dev@example.com"}}`)
	}))
	t.Cleanup(tokenSrv.Close)
	usageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-login" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"five_hour":{"utilization":5,"resets_at":null},"seven_day":{"utilization":1,"resets_at":null}}`)
	}))
	t.Cleanup(usageSrv.Close)

	configPath := filepath.Join(home, "config.yaml")
	cfg := fmt.Sprintf(`oauth:
  token_url: %s
api:
  usage_url: %s
history:
  driver: memory
secrets:
  passphrase: test-passphrase
`, tokenSrv.URL, usageSrv.URL)
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	origStdin := stdin
	stdin = strings.NewReader("code-123\n")
	t.Cleanup(func() { stdin = origStdin })

	code, stdout, stderr := runWithCapturedOutput(t, []string{"login", "--config", configPath})
	if code != 0 {
		t.Fatalf("login: expected code 0, got %d\nstderr:\n%s", code, stderr)
	}
	if got, _ := exchanged.Load().(string); got != "authorization_code:code-123" {
		t.Fatalf("unexpected token exchange %q", got)
	}
	if !strings.Contains(stdout, "code_challenge_method=S256") {
		t.Fatalf("expected PKCE authorize URL, got:\n%s", stdout)
	}
	if !strings.Contains(stdout, "Signed in as dev@example.com.") {
		t.Fatalf("expected signed-in message, got:\n%s", stdout)
	}

	code, stdout, _ = runWithCapturedOutput(t, []string{"status", "--config", configPath})
	if code != 0 || !strings.Contains(stdout, "session (5h):   5.0%") {
		t.Fatalf("status after login: code %d, output:\n%s", code, stdout)
	}

	code, stdout, _ = runWithCapturedOutput(t, []string{"logout", "--config", configPath})
	if code != 0 || !strings.Contains(stdout, "Signed out.") {
		t.Fatalf("logout: code %d, output:\n%s", code, stdout)
	}

	code, _, _ = runWithCapturedOutput(t, []string{"status", "--config", configPath})
	if code != 1 {
		t.Fatalf("expected status to fail after logout, got %d", code)
	}
}

func TestDoctorFailsWithoutCredentials(t *testing.T) {
	home := t.TempDir()
	t.Setenv("QUOTA_MONITOR_HOME", home)
	configPath := filepath.Join(home, "config.yaml")
	cfg := fmt.Sprintf("credentials:\n  source: external\n  external_path: %s\nhistory:\n  driver: memory\n", filepath.Join(home, "missing.json"))
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code, stdout, _ := runWithCapturedOutput(t, []string{"doctor", "--json", "--config", configPath})
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stdout, `"name": "credentials"`) || !strings.Contains(stdout, "no credentials stored") {
		t.Fatalf("expected failing credentials check, got:\n%s", stdout)
	}
}

// writeExternalSetup points a config at a fake usage endpoint and an
// externally managed credential file.
func writeExternalSetup(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("QUOTA_MONITOR_HOME", home)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-ext" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		reset := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, `{"five_hour":{"utilization":80,"resets_at":%q},"seven_day":{"utilization":10,"resets_at":null}}`, reset)
	}))
	t.Cleanup(srv.Close)

	credsPath := filepath.Join(home, "credentials.json")
	creds := fmt.Sprintf(`{"claudeAiOauth":{"accessToken":"tok-ext","refreshToken":"ref-ext","expiresAt":%d}}`,
		time.Now().Add(24*time.Hour).UnixMilli())
	if err := os.WriteFile(credsPath, []byte(creds), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}

	configPath := filepath.Join(home, "config.yaml")
	cfg := fmt.Sprintf(`credentials:
  source: external
  external_path: %s
api:
  usage_url: %s
history:
  driver: memory
`, credsPath, srv.URL)
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func runWithCapturedOutput(t *testing.T, args []string) (int, string, string) {
	t.Helper()
	origStdout := os.Stdout
	origStderr := os.Stderr
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("stdout pipe failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("stderr pipe failed: %v", err)
	}
	os.Stdout = stdoutW
	os.Stderr = stderrW

	stdoutCh := make(chan []byte, 1)
	stderrCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run(args)

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = origStdout
	os.Stderr = origStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()
	return code, string(stdoutBytes), string(stderrBytes)
}
