package usage

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/olliecrow/quota_monitor/internal/metrics"
)

const (
	MinFetchInterval = 30 * time.Second

	defaultMaxRetries = 3
	defaultRetryBase  = time.Second
	defaultRetryMax   = 8 * time.Second
)

// TokenProvider hands out bearer tokens for the usage endpoint.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	RefreshAccessToken(ctx context.Context) (string, error)
}

// Observer receives every successful snapshot, in registration order.
type Observer interface {
	ObserveSnapshot(*Snapshot)
}

type ObserverFunc func(*Snapshot)

func (fn ObserverFunc) ObserveSnapshot(s *Snapshot) { fn(s) }

type Options struct {
	Endpoint string
	Timeout  time.Duration
	Tokens   TokenProvider
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

type Fetcher struct {
	client *usageClient
	tokens TokenProvider
	clock  clockwork.Clock
	log    *zap.Logger

	minInterval time.Duration
	maxRetries  int
	retryBase   time.Duration
	retryMax    time.Duration

	mu        sync.Mutex
	cached    *Snapshot
	cachedAt  time.Time
	lastErr   *FetchError
	observers []Observer
}

func NewFetcher(opts Options) *Fetcher {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	client := newUsageClient(opts.Endpoint, opts.Timeout)
	client.now = clock.Now
	return &Fetcher{
		client:      client,
		tokens:      opts.Tokens,
		clock:       clock,
		log:         log,
		minInterval: MinFetchInterval,
		maxRetries:  defaultMaxRetries,
		retryBase:   defaultRetryBase,
		retryMax:    defaultRetryMax,
	}
}

func (f *Fetcher) AddObserver(o Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

// FetchQuota returns the current snapshot. Unless force is set, a snapshot
// younger than the minimum fetch interval is served from cache.
//
// On failure the error is returned alongside the previous snapshot (with the
// error attached) when one exists, or alongside nil when nothing was ever
// fetched successfully.
func (f *Fetcher) FetchQuota(ctx context.Context, force bool) (*Snapshot, error) {
	if !force {
		if cached, ok := f.freshCache(); ok {
			return cached, nil
		}
	}

	start := f.clock.Now()
	snapshot, fetchErr := f.fetchWithRetry(ctx)
	metrics.FetchDuration.Observe(f.clock.Since(start).Seconds())
	if fetchErr != nil {
		metrics.FetchTotal.WithLabelValues(string(fetchErr.Type)).Inc()
		return f.fail(fetchErr)
	}
	metrics.FetchTotal.WithLabelValues("success").Inc()
	metrics.Utilization.WithLabelValues("five_hour").Set(snapshot.FiveHour.Utilization)
	metrics.Utilization.WithLabelValues("seven_day").Set(snapshot.SevenDay.Utilization)

	f.mu.Lock()
	f.cached = snapshot
	f.cachedAt = f.clock.Now()
	f.lastErr = nil
	observers := append([]Observer(nil), f.observers...)
	f.mu.Unlock()

	for _, o := range observers {
		o.ObserveSnapshot(snapshot.clone())
	}
	return snapshot.clone(), nil
}

// CachedQuota returns the last snapshot without touching the network.
func (f *Fetcher) CachedQuota() *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached.clone()
}

// LastError returns the error of the most recent fetch, or nil if it succeeded.
func (f *Fetcher) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastErr == nil {
		return nil
	}
	return f.lastErr
}

func (f *Fetcher) Close() error {
	f.client.httpClient.CloseIdleConnections()
	return nil
}

func (f *Fetcher) freshCache() (*Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached == nil || f.cachedAt.IsZero() {
		return nil, false
	}
	if f.clock.Since(f.cachedAt) >= f.minInterval {
		return nil, false
	}
	return f.cached.clone(), true
}

func (f *Fetcher) fail(fetchErr *FetchError) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastErr = fetchErr
	if f.cached == nil {
		return nil, fetchErr
	}
	next := f.cached.clone()
	next.Error = fetchErr
	f.cached = next
	f.cachedAt = f.clock.Now()
	return next.clone(), fetchErr
}

func (f *Fetcher) fetchWithRetry(ctx context.Context) (*Snapshot, *FetchError) {
	if f.tokens == nil {
		return nil, authFailure("no credential source configured", nil)
	}
	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return nil, authFailure("no usable credentials: "+err.Error(), err)
	}

	var (
		snapshot  *Snapshot
		lastErr   *FetchError
		attempts  int
		refreshed bool
	)
	operation := func() error {
		attempts++
		snap, fetchErr := f.client.get(ctx, token)
		if fetchErr != nil && fetchErr.Type == ErrorAuth && !refreshed {
			refreshed = true
			f.log.Debug("usage request unauthorized; refreshing token")
			newToken, refreshErr := f.tokens.RefreshAccessToken(ctx)
			if refreshErr != nil {
				lastErr = authFailure("token refresh after 401 failed: "+refreshErr.Error(), refreshErr)
				return backoff.Permanent(lastErr)
			}
			token = newToken
			snap, fetchErr = f.client.get(ctx, token)
		}
		if fetchErr == nil {
			snapshot = snap
			return nil
		}
		lastErr = fetchErr
		if !fetchErr.Retryable {
			return backoff.Permanent(fetchErr)
		}
		return fetchErr
	}
	notify := func(err error, next time.Duration) {
		f.log.Debug("usage fetch attempt failed",
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", next),
			zap.String("error", err.Error()),
		)
	}

	if err := backoff.RetryNotifyWithTimer(operation, f.newBackOff(ctx), notify, &clockTimer{clock: f.clock}); err == nil {
		return snapshot, nil
	}
	if !lastErr.Retryable {
		f.log.Warn("usage fetch failed", zap.String("type", string(lastErr.Type)), zap.Int("status", lastErr.StatusCode), zap.String("error", lastErr.Message))
		return nil, lastErr
	}
	f.log.Warn("usage fetch retries exhausted",
		zap.Int("attempts", attempts),
		zap.String("type", string(lastErr.Type)),
		zap.String("error", lastErr.Message),
	)
	return nil, lastErr
}

// newBackOff yields min(base * 2^attempt, max) between attempts, without
// jitter, for at most maxRetries retries.
func (f *Fetcher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = f.retryMax
	b.MaxElapsedTime = 0
	b.Clock = f.clock
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.maxRetries)), ctx)
}

// clockTimer runs backoff waits on the fetcher's clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
