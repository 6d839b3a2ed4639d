package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olliecrow/quota_monitor/internal/auth"
	"github.com/olliecrow/quota_monitor/internal/config"
	"github.com/olliecrow/quota_monitor/internal/history"
	"github.com/olliecrow/quota_monitor/internal/notify"
	"github.com/olliecrow/quota_monitor/internal/secrets"
	"github.com/olliecrow/quota_monitor/internal/usage"
)

type recorder struct {
	mu     sync.Mutex
	titles []string
}

func (r *recorder) Show(_ context.Context, title, _ string, _ notify.Urgency) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

type fixture struct {
	svc      *Service
	clock    *clockwork.FakeClock
	hits     *atomic.Int32
	fiveHour *atomic.Int64
	latency  *atomic.Int64
	notes    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var hits atomic.Int32
	var fiveHour, latency atomic.Int64
	fiveHour.Store(20)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if d := time.Duration(latency.Load()); d > 0 {
			clock.Advance(d)
		}
		if r.Header.Get("Authorization") != "Bearer access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"five_hour":{"utilization":%d,"resets_at":null},"seven_day":{"utilization":10,"resets_at":null}}`, fiveHour.Load())
	}))
	t.Cleanup(srv.Close)

	store := auth.NewLocalStore(secrets.NewMemoryStore())
	require.NoError(t, store.Save(context.Background(), &auth.Credentials{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    clock.Now().Add(8 * time.Hour),
	}))
	manager := auth.NewManager(auth.Options{Store: store, Clock: clock})

	settings, err := config.OpenSettings(filepath.Join(t.TempDir(), "settings.yaml"), config.Settings{
		RefreshIntervalSec: 60, Adaptive: true, Warning: 75, Critical: 90, NotificationsEnabled: true,
	})
	require.NoError(t, err)

	notes := &recorder{}
	svc := New(Deps{
		Auth:        manager,
		Fetcher:     usage.NewFetcher(usage.Options{Endpoint: srv.URL, Tokens: manager, Clock: clock}),
		Ledger:      history.NewLedger(history.Options{Clock: clock}),
		Coordinator: notify.NewCoordinator(notify.Options{Notifier: notes, Enabled: true, Clock: clock}),
		Settings:    settings,
		Clock:       clock,
	})
	t.Cleanup(func() { svc.Close() })
	return &fixture{svc: svc, clock: clock, hits: &hits, fiveHour: &fiveHour, latency: &latency, notes: notes}
}

func TestFetchFeedsLedgerCoordinatorAndScheduler(t *testing.T) {
	f := newFixture(t)
	var refreshes atomic.Int32
	unsubscribe := f.svc.Subscribe(func() { refreshes.Add(1) })
	defer unsubscribe()

	f.fiveHour.Store(95)
	snap, err := f.svc.FetchQuota(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 95.0, snap.FiveHour.Utilization)

	assert.Equal(t, 1, f.svc.HistoryStats(1).Count)
	assert.Equal(t, 1, f.notes.count())
	assert.Equal(t, usage.LevelCritical, f.svc.Schedule().Level)
	assert.Equal(t, 15*time.Second, f.svc.Schedule().Interval)
	assert.Equal(t, usage.LevelCritical, f.svc.Level())
	assert.GreaterOrEqual(t, refreshes.Load(), int32(1))
	assert.Equal(t, 95.0, f.svc.CachedQuota().FiveHour.Utilization)
}

func TestPauseSuppressesNotificationsUntilResume(t *testing.T) {
	f := newFixture(t)
	f.svc.Pause(0)

	f.fiveHour.Store(80)
	_, err := f.svc.FetchQuota(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 0, f.notes.count())

	f.svc.Resume()
	f.fiveHour.Store(95)
	_, err = f.svc.FetchQuota(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.notes.count())
}

func TestTimedPauseAutoResumesAndFetches(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.svc.Start(ctx)
	require.Eventually(t, func() bool { return f.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.svc.Pause(30 * time.Minute)
	assert.True(t, f.svc.Schedule().Paused)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
	f.clock.Advance(30 * time.Minute)

	require.Eventually(t, func() bool { return f.hits.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !f.svc.Schedule().Paused }, 2*time.Second, 5*time.Millisecond)
}

func TestAdaptiveIntervalFetchesOnEveryTick(t *testing.T) {
	for _, tc := range []struct {
		name     string
		fiveHour int64
		level    usage.Level
		interval time.Duration
	}{
		{name: "warning", fiveHour: 80, level: usage.LevelWarning, interval: 30 * time.Second},
		{name: "critical", fiveHour: 95, level: usage.LevelCritical, interval: 15 * time.Second},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.fiveHour.Store(tc.fiveHour)
			f.latency.Store(int64(300 * time.Millisecond))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			settled := func(n int32) func() bool {
				return func() bool { return f.hits.Load() == n && !f.svc.Schedule().Fetching }
			}
			f.svc.Start(ctx)
			require.Eventually(t, settled(1), 2*time.Second, 5*time.Millisecond)
			st := f.svc.Schedule()
			require.Equal(t, tc.level, st.Level)
			require.Equal(t, tc.interval, st.Interval)

			for tick := int32(1); tick <= 6; tick++ {
				waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
				require.NoError(t, f.clock.BlockUntilContext(waitCtx, 1))
				waitCancel()
				f.clock.Advance(tc.interval)
				require.Eventually(t, settled(1+tick), 2*time.Second, 5*time.Millisecond, "tick %d", tick)
			}
		})
	}
}

func TestSettingsMutators(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.svc.SetThresholds(90, 80), config.ErrInvalidThresholds)
	assert.Error(t, f.svc.SetRefreshInterval(5*time.Second))

	f.fiveHour.Store(60)
	_, err := f.svc.FetchQuota(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, usage.LevelNormal, f.svc.Schedule().Level)

	require.NoError(t, f.svc.SetThresholds(50, 70))
	assert.Equal(t, notify.Thresholds{Warning: 50, Critical: 70}, f.svc.Thresholds())
	assert.Equal(t, usage.LevelWarning, f.svc.Schedule().Level)

	require.NoError(t, f.svc.SetRefreshInterval(2*time.Minute))
	require.NoError(t, f.svc.SetAdaptiveEnabled(false))
	st := f.svc.Schedule()
	assert.Equal(t, 2*time.Minute, st.Interval)
	assert.False(t, st.Adaptive)
	assert.Equal(t, 120, f.svc.Settings().RefreshIntervalSec)

	require.NoError(t, f.svc.SetNotificationsEnabled(false))
	assert.False(t, f.svc.Settings().NotificationsEnabled)
}

func TestLogoutDropsCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.HasCredentials(ctx))
	info, err := f.svc.UserInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.SourceLocal, info.Source)

	require.NoError(t, f.svc.Logout(ctx))
	assert.False(t, f.svc.HasCredentials(ctx))

	_, err = f.svc.FetchQuota(ctx, true)
	assert.True(t, usage.IsAuth(err))
}
