// Package history keeps a bounded, deduplicated series of quota samples and
// derives trends and time-to-threshold estimates from it.
package history

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultCapacity = 1000
	DefaultLookback = 30 * time.Minute

	// MinSampleSpacing collapses samples taken closer together than this.
	MinSampleSpacing = 30 * time.Second

	trendThreshold  = 2.0
	maxEstimateSpan = 24 * time.Hour
)

type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	FiveHour  float64   `json:"five_hour"`
	SevenDay  float64   `json:"seven_day"`
}

// Persister mirrors the ledger into durable storage.
type Persister interface {
	Load(ctx context.Context, limit int) ([]Sample, error)
	Append(ctx context.Context, s Sample, capacity int) error
	Clear(ctx context.Context) error
	Close() error
}

type Options struct {
	Capacity  int
	Clock     clockwork.Clock
	Persister Persister
	Logger    *zap.Logger
}

type Ledger struct {
	capacity  int
	clock     clockwork.Clock
	persister Persister
	log       *zap.Logger

	mu      sync.RWMutex
	samples []Sample
}

func NewLedger(opts Options) *Ledger {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{capacity: capacity, clock: clock, persister: opts.Persister, log: log}
}

// Restore loads previously persisted samples, keeping the newest ones.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.persister == nil {
		return nil
	}
	samples, err := l.persister.Load(ctx, l.capacity)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.samples = samples
	l.trimLocked()
	l.mu.Unlock()
	return nil
}

// AddEntry appends a sample stamped with the current time. It is a no-op
// when the previous sample is younger than MinSampleSpacing.
func (l *Ledger) AddEntry(fiveHour, sevenDay float64) bool {
	now := l.clock.Now()
	l.mu.Lock()
	if n := len(l.samples); n > 0 && now.Sub(l.samples[n-1].Timestamp) < MinSampleSpacing {
		l.mu.Unlock()
		return false
	}
	s := Sample{Timestamp: now, FiveHour: round2(fiveHour), SevenDay: round2(sevenDay)}
	l.samples = append(l.samples, s)
	l.trimLocked()
	l.mu.Unlock()

	if l.persister != nil {
		if err := l.persister.Append(context.Background(), s, l.capacity); err != nil {
			l.log.Warn("persist history sample failed", zap.Error(err))
		}
	}
	return true
}

func (l *Ledger) trimLocked() {
	if over := len(l.samples) - l.capacity; over > 0 {
		l.samples = append([]Sample(nil), l.samples[over:]...)
	}
}

func (l *Ledger) Samples() []Sample {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Sample(nil), l.samples...)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.samples)
}

// Latest returns the newest sample.
func (l *Ledger) Latest() (Sample, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.samples) == 0 {
		return Sample{}, false
	}
	return l.samples[len(l.samples)-1], true
}

func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.samples = nil
	l.mu.Unlock()
	if l.persister != nil {
		return l.persister.Clear(ctx)
	}
	return nil
}

func (l *Ledger) Close() error {
	if l.persister != nil {
		return l.persister.Close()
	}
	return nil
}

// since returns samples whose timestamp is within d of now, oldest first.
func (l *Ledger) since(d time.Duration) []Sample {
	cutoff := l.clock.Now().Add(-d)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Sample
	for _, s := range l.samples {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
