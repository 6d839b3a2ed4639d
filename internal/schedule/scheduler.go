// Package schedule drives periodic quota fetches. A single Scheduler owns
// every timer (the next tick and the auto-resume) and re-arms them on each
// state change.
package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/olliecrow/quota_monitor/internal/metrics"
	"github.com/olliecrow/quota_monitor/internal/usage"
)

const (
	DefaultBaseInterval = 5 * time.Minute
	MinBaseInterval     = 15 * time.Second

	criticalFloor = 15 * time.Second
	warningFloor  = 30 * time.Second
)

// IntervalFor scales the base interval by level when adaptive is on.
func IntervalFor(base time.Duration, level usage.Level, adaptive bool) time.Duration {
	if !adaptive {
		return base
	}
	switch level {
	case usage.LevelCritical:
		return max(criticalFloor, base/4)
	case usage.LevelWarning:
		return max(warningFloor, base/2)
	default:
		return base
	}
}

// FetchFunc performs one fetch cycle. It must not call back into the
// scheduler while holding locks the scheduler might need.
type FetchFunc func(ctx context.Context)

type State struct {
	BaseInterval time.Duration `json:"-"`
	Interval     time.Duration `json:"-"`
	Level        usage.Level   `json:"level"`
	Adaptive     bool          `json:"adaptive"`
	Running      bool          `json:"running"`
	Paused       bool          `json:"paused"`
	ResumeAt     *time.Time    `json:"resume_at,omitempty"`
	NextFetchAt  *time.Time    `json:"next_fetch_at,omitempty"`
	Fetching     bool          `json:"fetching"`
}

type Options struct {
	BaseInterval time.Duration
	Adaptive     bool
	Fetch        FetchFunc
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

type Scheduler struct {
	clock clockwork.Clock
	log   *zap.Logger
	fetch FetchFunc

	inFlight atomic.Bool

	mu        sync.Mutex
	ctx       context.Context
	base      time.Duration
	adaptive  bool
	level     usage.Level
	running   bool
	paused    bool
	resumeAt  time.Time
	interval  time.Duration
	nextAt    time.Time
	tick      clockwork.Timer
	tickGen   uint64
	resume    clockwork.Timer
	resumeGen uint64

	subs   map[int]func(State)
	nextID int
}

func New(opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	base := opts.BaseInterval
	if base <= 0 {
		base = DefaultBaseInterval
	}
	return &Scheduler{
		clock:    clock,
		log:      log,
		fetch:    opts.Fetch,
		ctx:      context.Background(),
		base:     base,
		adaptive: opts.Adaptive,
		level:    usage.LevelNormal,
		subs:     map[int]func(State){},
	}
}

// Start performs an immediate fetch and arms the first tick. The scheduler
// stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx = ctx
	if !s.paused {
		s.armLocked()
	}
	state := s.stateLocked()
	s.mu.Unlock()

	s.publish(state)
	go s.RunNow()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop cancels all timers. A fetch already running is left to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopTickLocked()
	s.stopResumeLocked()
	state := s.stateLocked()
	s.mu.Unlock()
	s.publish(state)
}

// RunNow fetches immediately unless a fetch is already in flight. It
// reports whether a fetch ran.
func (s *Scheduler) RunNow() bool {
	if s.fetch == nil {
		return false
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Debug("fetch already in flight; skipping")
		return false
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	defer s.inFlight.Store(false)
	s.fetch(ctx)
	return true
}

// UpdateLevel records the latest quota level and re-arms the tick if the
// resulting interval differs from the one currently scheduled.
func (s *Scheduler) UpdateLevel(level usage.Level) {
	s.mu.Lock()
	if level == s.level {
		s.mu.Unlock()
		return
	}
	s.level = level
	s.rearmIfChangedLocked()
	state := s.stateLocked()
	s.mu.Unlock()
	s.publish(state)
}

func (s *Scheduler) SetBaseInterval(d time.Duration) {
	s.mu.Lock()
	s.base = d
	s.rearmIfChangedLocked()
	state := s.stateLocked()
	s.mu.Unlock()
	s.publish(state)
}

func (s *Scheduler) SetAdaptive(enabled bool) {
	s.mu.Lock()
	s.adaptive = enabled
	s.rearmIfChangedLocked()
	state := s.stateLocked()
	s.mu.Unlock()
	s.publish(state)
}

// Pause stops ticking. With d > 0 the scheduler resumes by itself after d;
// otherwise it stays paused until Resume.
func (s *Scheduler) Pause(d time.Duration) {
	s.mu.Lock()
	s.paused = true
	s.stopTickLocked()
	s.stopResumeLocked()
	s.resumeAt = time.Time{}
	if d > 0 {
		s.resumeAt = s.clock.Now().Add(d)
		gen := s.resumeGen
		s.resume = s.clock.AfterFunc(d, func() { go s.autoResume(gen) })
	}
	state := s.stateLocked()
	s.mu.Unlock()

	if d > 0 {
		s.log.Info("polling paused", zap.Duration("for", d))
	} else {
		s.log.Info("polling paused until resumed")
	}
	s.publish(state)
}

func (s *Scheduler) autoResume(gen uint64) {
	s.mu.Lock()
	stale := gen != s.resumeGen
	s.mu.Unlock()
	if !stale {
		s.Resume()
	}
}

// Resume cancels any pending auto-resume, restarts ticking and fetches
// immediately.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.stopResumeLocked()
	s.resumeAt = time.Time{}
	running := s.running
	if running {
		s.armLocked()
	}
	state := s.stateLocked()
	s.mu.Unlock()

	s.log.Info("polling resumed")
	s.publish(state)
	if running {
		go s.RunNow()
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Subscribe registers fn for every state change and returns its disposer.
func (s *Scheduler) Subscribe(fn func(State)) func() {
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

func (s *Scheduler) publish(state State) {
	s.mu.Lock()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

func (s *Scheduler) rearmIfChangedLocked() {
	if !s.running || s.paused {
		return
	}
	next := IntervalFor(s.base, s.level, s.adaptive)
	if next == s.interval {
		return
	}
	s.log.Debug("poll interval changed", zap.Duration("from", s.interval), zap.Duration("to", next), zap.String("level", string(s.level)))
	s.armLocked()
}

// armLocked (re)starts the tick timer from now with the current interval.
func (s *Scheduler) armLocked() {
	s.stopTickLocked()
	s.interval = IntervalFor(s.base, s.level, s.adaptive)
	s.nextAt = s.clock.Now().Add(s.interval)
	gen := s.tickGen
	s.tick = s.clock.AfterFunc(s.interval, func() { go s.onTick(gen) })
	metrics.PollInterval.Set(s.interval.Seconds())
}

func (s *Scheduler) onTick(gen uint64) {
	s.mu.Lock()
	if gen != s.tickGen || !s.running || s.paused {
		s.mu.Unlock()
		return
	}
	s.armLocked()
	s.mu.Unlock()
	s.RunNow()
}

func (s *Scheduler) stopTickLocked() {
	s.tickGen++
	if s.tick != nil {
		s.tick.Stop()
		s.tick = nil
	}
	s.nextAt = time.Time{}
}

func (s *Scheduler) stopResumeLocked() {
	s.resumeGen++
	if s.resume != nil {
		s.resume.Stop()
		s.resume = nil
	}
}

func (s *Scheduler) stateLocked() State {
	st := State{
		BaseInterval: s.base,
		Interval:     IntervalFor(s.base, s.level, s.adaptive),
		Level:        s.level,
		Adaptive:     s.adaptive,
		Running:      s.running,
		Paused:       s.paused,
		Fetching:     s.inFlight.Load(),
	}
	if !s.resumeAt.IsZero() {
		t := s.resumeAt
		st.ResumeAt = &t
	}
	if !s.nextAt.IsZero() {
		t := s.nextAt
		st.NextFetchAt = &t
	}
	return st
}
