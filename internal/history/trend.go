package history

import (
	"math"
	"time"
)

type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// WindowTrend is the rate of change of one window in percentage points per hour.
type WindowTrend struct {
	Direction Direction `json:"direction"`
	Delta     float64   `json:"delta_per_hour"`
}

type Trend struct {
	FiveHour WindowTrend   `json:"five_hour"`
	SevenDay WindowTrend   `json:"seven_day"`
	Samples  int           `json:"samples"`
	Lookback time.Duration `json:"-"`
}

// Trend compares the average of the older half of the lookback window with
// the newer half. It needs at least two samples inside the window.
func (l *Ledger) Trend(lookback time.Duration) (Trend, bool) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	samples := l.since(lookback)
	if len(samples) < 2 {
		return Trend{}, false
	}
	mid := len(samples) / 2
	first, second := samples[:mid], samples[mid:]
	halfHours := lookback.Hours() / 2

	rate := func(pick func(Sample) float64) WindowTrend {
		delta := (average(second, pick) - average(first, pick)) / halfHours
		return WindowTrend{Direction: directionOf(delta), Delta: delta}
	}
	return Trend{
		FiveHour: rate(func(s Sample) float64 { return s.FiveHour }),
		SevenDay: rate(func(s Sample) float64 { return s.SevenDay }),
		Samples:  len(samples),
		Lookback: lookback,
	}, true
}

func directionOf(delta float64) Direction {
	switch {
	case delta > trendThreshold:
		return DirectionUp
	case delta < -trendThreshold:
		return DirectionDown
	default:
		return DirectionStable
	}
}

func average(samples []Sample, pick func(Sample) float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += pick(s)
	}
	return sum / float64(len(samples))
}

// Estimate holds the projected time until each window reaches a threshold.
// A nil entry means no reliable projection.
type Estimate struct {
	Threshold float64
	FiveHour  *time.Duration
	SevenDay  *time.Duration
}

// EstimateTimeToThreshold projects the latest sample forward along the
// default-lookback trend. Projections beyond 24 hours are dropped.
func (l *Ledger) EstimateTimeToThreshold(threshold float64) Estimate {
	out := Estimate{Threshold: threshold}
	latest, ok := l.Latest()
	if !ok {
		return out
	}
	trend, ok := l.Trend(DefaultLookback)
	if !ok {
		return out
	}
	out.FiveHour = project(latest.FiveHour, threshold, trend.FiveHour.Delta)
	out.SevenDay = project(latest.SevenDay, threshold, trend.SevenDay.Delta)
	return out
}

func project(current, threshold, delta float64) *time.Duration {
	if delta <= 0 || current >= threshold {
		return nil
	}
	hours := (threshold - current) / delta
	d := time.Duration(math.Round(hours * float64(time.Hour)))
	if d > maxEstimateSpan {
		return nil
	}
	return &d
}
