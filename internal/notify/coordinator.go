// Package notify turns quota readings into user notifications: level
// transitions, quota resets and token refresh failures.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/olliecrow/quota_monitor/internal/metrics"
	"github.com/olliecrow/quota_monitor/internal/usage"
)

const (
	DefaultWarning  = 75.0
	DefaultCritical = 90.0

	resetDrop            = 30.0
	resetBaseline        = 50.0
	resetCooldown        = 5 * time.Minute
	refreshFailureWindow = 30 * time.Minute
)

type Window string

const (
	WindowFiveHour Window = "five_hour"
	WindowSevenDay Window = "seven_day"
)

func (w Window) label() string {
	if w == WindowSevenDay {
		return "Weekly"
	}
	return "Session"
}

type Kind string

const (
	KindWarning        Kind = "warning"
	KindCritical       Kind = "critical"
	KindRecovered      Kind = "recovered"
	KindReset          Kind = "reset"
	KindRefreshFailure Kind = "token_refresh_failed"
)

// Alert is one notification the coordinator decided to raise.
type Alert struct {
	Kind    Kind
	Window  Window
	Title   string
	Body    string
	Urgency Urgency
}

type Thresholds struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

type Options struct {
	Notifier   Notifier
	Thresholds Thresholds
	Enabled    bool
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

type windowState struct {
	level     usage.Level
	last      float64
	seen      bool
	lastReset time.Time
}

// Coordinator fires only on level transitions, so repeated readings at the
// same level stay quiet. While paused or disabled it keeps tracking state
// but shows nothing.
type Coordinator struct {
	notifier Notifier
	clock    clockwork.Clock
	log      *zap.Logger

	mu              sync.Mutex
	thresholds      Thresholds
	enabled         bool
	paused          bool
	windows         map[Window]*windowState
	lastRefreshFail time.Time
}

func NewCoordinator(opts Options) *Coordinator {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: log}
	}
	th := opts.Thresholds
	if th.Warning == 0 && th.Critical == 0 {
		th = Thresholds{Warning: DefaultWarning, Critical: DefaultCritical}
	}
	return &Coordinator{
		notifier:   notifier,
		clock:      clock,
		log:        log,
		thresholds: th,
		enabled:    opts.Enabled,
		windows: map[Window]*windowState{
			WindowFiveHour: {level: usage.LevelNormal},
			WindowSevenDay: {level: usage.LevelNormal},
		},
	}
}

// GetLevel classifies one utilization value against the thresholds.
func (c *Coordinator) GetLevel(utilization float64) usage.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return levelFor(utilization, c.thresholds)
}

// OverallLevel classifies the higher of the two windows.
func (c *Coordinator) OverallLevel(fiveHour, sevenDay float64) usage.Level {
	return c.GetLevel(max(fiveHour, sevenDay))
}

func levelFor(u float64, th Thresholds) usage.Level {
	switch {
	case u >= th.Critical:
		return usage.LevelCritical
	case u >= th.Warning:
		return usage.LevelWarning
	default:
		return usage.LevelNormal
	}
}

// CheckAndNotify evaluates both windows and shows any resulting alerts. It
// returns the alerts that were raised, including suppressed ones.
func (c *Coordinator) CheckAndNotify(ctx context.Context, fiveHour, sevenDay float64) []Alert {
	c.mu.Lock()
	now := c.clock.Now()
	var alerts []Alert
	for _, w := range []Window{WindowFiveHour, WindowSevenDay} {
		value := fiveHour
		if w == WindowSevenDay {
			value = sevenDay
		}
		if a, ok := c.evaluateLocked(w, value, now); ok {
			alerts = append(alerts, a)
		}
	}
	quiet := c.paused || !c.enabled
	c.mu.Unlock()

	c.emit(ctx, alerts, quiet)
	return alerts
}

// ObserveSnapshot lets the coordinator sit directly on the fetcher.
func (c *Coordinator) ObserveSnapshot(s *usage.Snapshot) {
	c.CheckAndNotify(context.Background(), s.FiveHour.Utilization, s.SevenDay.Utilization)
}

func (c *Coordinator) evaluateLocked(w Window, value float64, now time.Time) (Alert, bool) {
	st := c.windows[w]
	prev, hadPrev := st.last, st.seen
	st.last, st.seen = value, true

	// A large drop from a high baseline means the window rolled over.
	if hadPrev && prev >= resetBaseline && prev-value > resetDrop {
		st.level = usage.LevelNormal
		if !st.lastReset.IsZero() && now.Sub(st.lastReset) < resetCooldown {
			return Alert{}, false
		}
		st.lastReset = now
		return Alert{
			Kind:    KindReset,
			Window:  w,
			Title:   w.label() + " quota reset",
			Body:    fmt.Sprintf("%s usage dropped from %.0f%% to %.0f%%.", w.label(), prev, value),
			Urgency: UrgencyLow,
		}, true
	}

	next := levelFor(value, c.thresholds)
	old := st.level
	if next == old {
		return Alert{}, false
	}
	st.level = next

	switch {
	case next == usage.LevelCritical:
		return Alert{
			Kind:    KindCritical,
			Window:  w,
			Title:   w.label() + " quota critical",
			Body:    fmt.Sprintf("%s usage is at %.0f%% (critical at %.0f%%).", w.label(), value, c.thresholds.Critical),
			Urgency: UrgencyCritical,
		}, true
	case next == usage.LevelWarning && old == usage.LevelNormal:
		return Alert{
			Kind:    KindWarning,
			Window:  w,
			Title:   w.label() + " quota warning",
			Body:    fmt.Sprintf("%s usage is at %.0f%% (warning at %.0f%%).", w.label(), value, c.thresholds.Warning),
			Urgency: UrgencyNormal,
		}, true
	case next == usage.LevelNormal:
		return Alert{
			Kind:    KindRecovered,
			Window:  w,
			Title:   w.label() + " quota back to normal",
			Body:    fmt.Sprintf("%s usage is down to %.0f%%.", w.label(), value),
			Urgency: UrgencyLow,
		}, true
	}
	// critical -> warning is a de-escalation that stays quiet.
	return Alert{}, false
}

// NotifyTokenRefreshFailed asks the user to sign in again, at most once per
// 30 minutes.
func (c *Coordinator) NotifyTokenRefreshFailed(ctx context.Context, cause error) bool {
	c.mu.Lock()
	now := c.clock.Now()
	if c.paused || !c.enabled {
		c.mu.Unlock()
		return false
	}
	if !c.lastRefreshFail.IsZero() && now.Sub(c.lastRefreshFail) < refreshFailureWindow {
		c.mu.Unlock()
		return false
	}
	c.lastRefreshFail = now
	c.mu.Unlock()

	body := "Could not refresh the access token. Sign in again if usage stops updating."
	if cause != nil {
		body += " (" + cause.Error() + ")"
	}
	c.emit(ctx, []Alert{{
		Kind:    KindRefreshFailure,
		Title:   "Quota monitor sign-in needed",
		Body:    body,
		Urgency: UrgencyNormal,
	}}, false)
	return true
}

func (c *Coordinator) emit(ctx context.Context, alerts []Alert, quiet bool) {
	for _, a := range alerts {
		if quiet {
			c.log.Debug("notification suppressed", zap.String("kind", string(a.Kind)), zap.String("window", string(a.Window)))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(a.Kind)).Inc()
		c.log.Info("notification", zap.String("kind", string(a.Kind)), zap.String("window", string(a.Window)), zap.String("title", a.Title))
		if err := c.notifier.Show(ctx, a.Title, a.Body, a.Urgency); err != nil {
			c.log.Warn("notification delivery failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) Thresholds() Thresholds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thresholds
}

// SetThresholds replaces the thresholds. Callers validate warning < critical.
func (c *Coordinator) SetThresholds(warning, critical float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds = Thresholds{Warning: warning, Critical: critical}
}

func (c *Coordinator) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

func (c *Coordinator) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// Level returns the last stored level of one window.
func (c *Coordinator) Level(w Window) usage.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows[w].level
}
