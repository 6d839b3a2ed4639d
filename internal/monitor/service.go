// Package monitor assembles the credential manager, fetcher, history
// ledger, notification coordinator and scheduler into one service and
// exposes the operations presentation layers use.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/olliecrow/quota_monitor/internal/auth"
	"github.com/olliecrow/quota_monitor/internal/config"
	"github.com/olliecrow/quota_monitor/internal/history"
	"github.com/olliecrow/quota_monitor/internal/notify"
	"github.com/olliecrow/quota_monitor/internal/schedule"
	"github.com/olliecrow/quota_monitor/internal/usage"
)

type Deps struct {
	Auth        *auth.Manager
	Fetcher     *usage.Fetcher
	Ledger      *history.Ledger
	Coordinator *notify.Coordinator
	Settings    *config.SettingsStore
	Clock       clockwork.Clock
	Logger      *zap.Logger
}

type Service struct {
	auth        *auth.Manager
	fetcher     *usage.Fetcher
	ledger      *history.Ledger
	coordinator *notify.Coordinator
	scheduler   *schedule.Scheduler
	settings    *config.SettingsStore
	log         *zap.Logger

	closers []func() error

	mu     sync.Mutex
	subs   map[int]func()
	nextID int
}

func New(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	st := d.Settings.Get()
	s := &Service{
		auth:        d.Auth,
		fetcher:     d.Fetcher,
		ledger:      d.Ledger,
		coordinator: d.Coordinator,
		settings:    d.Settings,
		log:         log,
		subs:        map[int]func(){},
	}
	s.coordinator.SetThresholds(st.Warning, st.Critical)
	s.coordinator.SetEnabled(st.NotificationsEnabled)
	s.scheduler = schedule.New(schedule.Options{
		BaseInterval: st.RefreshInterval(),
		Adaptive:     st.Adaptive,
		Fetch:        s.scheduledFetch,
		Clock:        d.Clock,
		Logger:       log,
	})
	s.scheduler.Subscribe(func(state schedule.State) {
		s.coordinator.SetPaused(state.Paused)
		s.publish()
	})
	s.fetcher.AddObserver(s)
	return s
}

// Start runs the polling loop until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.scheduler.Start(ctx)
}

func (s *Service) Close() error {
	s.scheduler.Stop()
	errs := []error{s.fetcher.Close(), s.ledger.Close()}
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// scheduledFetch bypasses the fetcher cache. The tick is armed before the
// fetch starts, so a cached snapshot is always slightly younger than the
// interval; the scheduler's interval floors already bound the request rate.
func (s *Service) scheduledFetch(ctx context.Context) {
	if _, err := s.FetchQuota(ctx, true); err != nil {
		s.log.Debug("scheduled fetch failed", zap.Error(err))
	}
}

// ObserveSnapshot runs for every successful fetch: record, evaluate, rescale.
func (s *Service) ObserveSnapshot(snap *usage.Snapshot) {
	five, seven := snap.FiveHour.Utilization, snap.SevenDay.Utilization
	s.ledger.AddEntry(five, seven)
	s.coordinator.CheckAndNotify(context.Background(), five, seven)
	s.scheduler.UpdateLevel(s.coordinator.OverallLevel(five, seven))
}

// FetchQuota fetches (or serves the cache) and tells subscribers either way.
func (s *Service) FetchQuota(ctx context.Context, force bool) (*usage.Snapshot, error) {
	snap, err := s.fetcher.FetchQuota(ctx, force)
	s.publish()
	return snap, err
}

func (s *Service) CachedQuota() *usage.Snapshot {
	return s.fetcher.CachedQuota()
}

func (s *Service) LastError() error {
	return s.fetcher.LastError()
}

// Level classifies the cached snapshot.
func (s *Service) Level() usage.Level {
	snap := s.fetcher.CachedQuota()
	if snap == nil {
		return usage.LevelNormal
	}
	return s.coordinator.OverallLevel(snap.FiveHour.Utilization, snap.SevenDay.Utilization)
}

// Subscribe registers fn to run after every fetch and schedule change.
func (s *Service) Subscribe(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Service) publish() {
	s.mu.Lock()
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (s *Service) Schedule() schedule.State {
	return s.scheduler.State()
}

func (s *Service) Settings() config.Settings {
	return s.settings.Get()
}

func (s *Service) Thresholds() notify.Thresholds {
	return s.coordinator.Thresholds()
}

func (s *Service) SetRefreshInterval(d time.Duration) error {
	if err := s.settings.SetRefreshInterval(d); err != nil {
		return err
	}
	s.scheduler.SetBaseInterval(s.settings.Get().RefreshInterval())
	return nil
}

func (s *Service) SetAdaptiveEnabled(enabled bool) error {
	if err := s.settings.SetAdaptive(enabled); err != nil {
		return err
	}
	s.scheduler.SetAdaptive(enabled)
	return nil
}

// SetThresholds validates and persists new thresholds, then reclassifies the
// cached snapshot so the poll interval follows immediately.
func (s *Service) SetThresholds(warning, critical float64) error {
	if err := s.settings.SetThresholds(warning, critical); err != nil {
		return err
	}
	s.coordinator.SetThresholds(warning, critical)
	s.scheduler.UpdateLevel(s.Level())
	return nil
}

func (s *Service) SetNotificationsEnabled(enabled bool) error {
	if err := s.settings.SetNotificationsEnabled(enabled); err != nil {
		return err
	}
	s.coordinator.SetEnabled(enabled)
	return nil
}

// Pause stops polling for d, or until Resume when d is zero.
func (s *Service) Pause(d time.Duration) {
	s.scheduler.Pause(d)
}

func (s *Service) Resume() {
	s.scheduler.Resume()
}

func (s *Service) Trend(lookback time.Duration) (history.Trend, bool) {
	return s.ledger.Trend(lookback)
}

func (s *Service) EstimateTimeToThreshold(threshold float64) history.Estimate {
	return s.ledger.EstimateTimeToThreshold(threshold)
}

func (s *Service) HistoryStats(hours float64) history.Stats {
	return s.ledger.Stats(hours)
}

func (s *Service) ClearHistory(ctx context.Context) error {
	return s.ledger.Clear(ctx)
}

func (s *Service) StartLogin() (*auth.LoginRequest, error) {
	return s.auth.StartLogin()
}

// SubmitAuthorizationCode completes a login and fetches straight away.
func (s *Service) SubmitAuthorizationCode(ctx context.Context, code string) error {
	if _, err := s.auth.SubmitAuthorizationCode(ctx, code); err != nil {
		return err
	}
	if _, err := s.FetchQuota(ctx, true); err != nil {
		s.log.Warn("first fetch after login failed", zap.Error(err))
	}
	return nil
}

func (s *Service) Logout(ctx context.Context) error {
	if err := s.auth.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.publish()
	return nil
}

func (s *Service) HasCredentials(ctx context.Context) bool {
	return s.auth.HasCredentials(ctx)
}

func (s *Service) UserInfo(ctx context.Context) (*auth.UserInfo, error) {
	return s.auth.UserInfo(ctx)
}
