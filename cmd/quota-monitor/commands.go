package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/olliecrow/quota_monitor/internal/auth"
	"github.com/olliecrow/quota_monitor/internal/config"
	"github.com/olliecrow/quota_monitor/internal/history"
	"github.com/olliecrow/quota_monitor/internal/logger"
	"github.com/olliecrow/quota_monitor/internal/metrics"
	"github.com/olliecrow/quota_monitor/internal/monitor"
	"github.com/olliecrow/quota_monitor/internal/notify"
	"github.com/olliecrow/quota_monitor/internal/server"
	"github.com/olliecrow/quota_monitor/internal/tui"
	"github.com/olliecrow/quota_monitor/internal/usage"
)

// stdin is swapped in tests that drive the login prompt.
var stdin io.Reader = os.Stdin

type app struct {
	cfg        config.Config
	configPath string
	log        *zap.Logger
	svc        *monitor.Service
}

// openApp loads configuration and builds the service. When logToFile is set
// the logger writes to the data directory so it does not corrupt the TUI.
func openApp(ctx context.Context, configPath string, logToFile bool) (*app, error) {
	if _, err := config.EnsureHomeDir(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not ensure data dir: %v\n", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logPath := ""
	if logToFile {
		logPath = config.LogPath()
	}
	log, err := logger.NewLogger(cfg.Logging.Env, cfg.Logging.Level, logPath)
	if err != nil {
		return nil, err
	}
	settings, err := config.OpenSettings(config.SettingsPath(), cfg.DefaultSettings())
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("open settings: %w", err)
	}
	metrics.Register()

	svc, err := monitor.Build(ctx, cfg, settings, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &app{cfg: cfg, configPath: configPath, log: log, svc: svc}, nil
}

func (a *app) Close() {
	if err := a.svc.Close(); err != nil {
		a.log.Warn("shutdown", zap.Error(err))
	}
	_ = a.log.Sync()
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", config.DefaultConfigPath(), "config file path")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func runTUI(args []string) int {
	fs := newFlagSet("tui")
	configPath := configFlag(fs)
	pause := fs.Duration("pause", 30*time.Minute, "duration of the pause key")
	noColor := fs.Bool("no-color", false, "disable color styling")
	noAltScreen := fs.Bool("no-alt-screen", false, "disable alternate screen mode")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *pause <= 0 {
		fmt.Fprintln(os.Stderr, "error: --pause must be > 0")
		return 2
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "error: interactive TUI requires a TTY")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, *configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	a.svc.Start(ctx)
	if a.cfg.Server.Addr != "" {
		go serveAPI(ctx, a, a.cfg.Server.Addr)
	}

	err = tui.Run(tui.Options{
		Monitor:       a.svc,
		Timeout:       a.cfg.RequestTimeout(),
		PauseDuration: *pause,
		NoColor:       *noColor,
		AltScreen:     !*noAltScreen,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func runHeadless(args []string) int {
	fs := newFlagSet("run")
	configPath := configFlag(fs)
	addr := fs.String("addr", "", "control API listen address (overrides server.addr)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, *configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	listen := a.cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}

	a.log.Info("quota monitor started",
		zap.String("config", *configPath),
		zap.Duration("interval", a.svc.Settings().RefreshInterval()),
	)
	a.svc.Start(ctx)

	if listen == "" {
		<-ctx.Done()
	} else if err := serveAPI(ctx, a, listen); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	a.log.Info("quota monitor stopped")
	return 0
}

func serveAPI(ctx context.Context, a *app, addr string) error {
	err := server.New(a.svc, a.log.Named("api")).ListenAndServe(ctx, addr)
	if err != nil {
		a.log.Error("control API stopped", zap.Error(err))
	}
	return err
}

type statusReport struct {
	Snapshot   *usage.Snapshot   `json:"snapshot"`
	Level      usage.Level       `json:"level"`
	Thresholds notify.Thresholds `json:"thresholds"`
	Trend      *history.Trend    `json:"trend,omitempty"`
}

func runStatus(args []string) int {
	fs := newFlagSet("status")
	configPath := configFlag(fs)
	jsonOutput := fs.Bool("json", false, "output status as JSON")
	timeout := fs.Duration("timeout", 20*time.Second, "fetch timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --timeout must be > 0")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := openApp(ctx, *configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	snapshot, err := a.svc.FetchQuota(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if usage.IsAuth(err) {
			fmt.Fprintln(os.Stderr, "hint: run `quota-monitor login` to sign in")
		}
		return 1
	}

	report := statusReport{Snapshot: snapshot, Level: a.svc.Level(), Thresholds: a.svc.Thresholds()}
	if tr, ok := a.svc.Trend(history.DefaultLookback); ok {
		report.Trend = &tr
	}
	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	printStatusHuman(report)
	return 0
}

func printStatusHuman(r statusReport) {
	fmt.Printf("session (5h): %5.1f%%  resets in %s\n", r.Snapshot.FiveHour.Utilization, resetIn(r.Snapshot.FiveHour))
	fmt.Printf("weekly (7d):  %5.1f%%  resets in %s\n", r.Snapshot.SevenDay.Utilization, resetIn(r.Snapshot.SevenDay))
	fmt.Printf("level: %s (warning %.0f%%, critical %.0f%%)\n", r.Level, r.Thresholds.Warning, r.Thresholds.Critical)
	if r.Trend != nil {
		fmt.Printf("trend (%d samples): session %s %+.1f%%/h, weekly %s %+.1f%%/h\n",
			r.Trend.Samples,
			r.Trend.FiveHour.Direction, r.Trend.FiveHour.Delta,
			r.Trend.SevenDay.Direction, r.Trend.SevenDay.Delta,
		)
	}
}

func resetIn(w usage.WindowSummary) string {
	if w.SecondsUntilReset == nil {
		return "unknown"
	}
	if *w.SecondsUntilReset <= 0 {
		return "now"
	}
	return (time.Duration(*w.SecondsUntilReset) * time.Second).Round(time.Minute).String()
}

func runLogin(args []string) int {
	fs := newFlagSet("login")
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, *configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	req, err := a.svc.StartLogin()
	if errors.Is(err, auth.ErrExternalSource) {
		fmt.Fprintln(os.Stderr, "error: credentials are managed externally (credentials.source=external); sign in with the owning tool")
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Println("Open this URL in a browser and approve access:")
	fmt.Println()
	fmt.Println("  " + req.URL)
	fmt.Println()
	fmt.Printf("Paste the authorization code (expires %s): ", req.ExpiresAt.Local().Format("15:04"))

	code, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(os.Stderr, "\nerror: read code: %v\n", err)
		return 1
	}
	code = strings.TrimSpace(code)
	if code == "" {
		fmt.Fprintln(os.Stderr, "\nerror: no authorization code entered")
		return 2
	}
	if err := a.svc.SubmitAuthorizationCode(ctx, code); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	info, err := a.svc.UserInfo(ctx)
	if err == nil && info.Email != "" {
		fmt.Printf("Signed in as %s.\n", info.Email)
	} else {
		fmt.Println("Signed in.")
	}
	return 0
}

func runLogout(args []string) int {
	fs := newFlagSet("logout")
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := a.svc.Logout(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println("Signed out.")
	return 0
}

func runDoctor(args []string) int {
	fs := newFlagSet("doctor")
	configPath := configFlag(fs)
	jsonOutput := fs.Bool("json", false, "output doctor report as JSON")
	timeout := fs.Duration("timeout", 20*time.Second, "doctor timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --timeout must be > 0")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := openApp(ctx, *configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	notifyCommand := ""
	if a.cfg.Notifications.Command != "" {
		if cmd, err := notify.ParseCommand(a.cfg.Notifications.Command); err == nil {
			notifyCommand = cmd.Path
		}
	}
	report := a.svc.Doctor(ctx, *configPath, notifyCommand, *timeout)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		printDoctorHuman(report)
	}

	if !report.Healthy() {
		return 1
	}
	return 0
}

func printDoctorHuman(report usage.DoctorReport) {
	fmt.Println("quota monitor doctor")
	fmt.Println()
	for _, c := range report.Checks {
		state := "FAIL"
		if c.OK {
			state = "PASS"
		}
		fmt.Printf("[%s] %s\n", state, c.Name)
		fmt.Printf("  %s\n", c.Details)
	}
}
