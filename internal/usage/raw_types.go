package usage

import (
	"errors"
	"math"
	"strings"
	"time"
)

type usagePayload struct {
	FiveHour *usageWindowRaw `json:"five_hour"`
	SevenDay *usageWindowRaw `json:"seven_day"`
}

type usageWindowRaw struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    *string `json:"resets_at"`
}

func normalizeSnapshot(payload usagePayload, now time.Time) (*Snapshot, error) {
	if payload.FiveHour == nil {
		return nil, errors.New("usage response missing five_hour")
	}
	if payload.SevenDay == nil {
		return nil, errors.New("usage response missing seven_day")
	}

	now = now.UTC()
	return &Snapshot{
		FiveHour:  toWindowSummary(payload.FiveHour, FiveHourWindow, now),
		SevenDay:  toWindowSummary(payload.SevenDay, SevenDayWindow, now),
		FetchedAt: now,
	}, nil
}

func toWindowSummary(win *usageWindowRaw, length time.Duration, now time.Time) WindowSummary {
	out := WindowSummary{
		Utilization: clampPercent(win.Utilization),
	}
	reset, ok := parseResetsAt(win.ResetsAt)
	if !ok {
		return out
	}
	out.ResetsAt = &reset
	remaining := reset.Sub(now)
	seconds := int64(remaining.Seconds())
	out.SecondsUntilReset = &seconds
	out.ResetProgress = resetProgress(remaining, length)
	return out
}

// resetProgress is the elapsed share of the window, in percent.
func resetProgress(remaining, length time.Duration) float64 {
	if length <= 0 {
		return 0
	}
	elapsed := length - remaining
	return clampPercent(math.Round(float64(elapsed)/float64(length)*10000) / 100)
}

func parseResetsAt(raw *string) (time.Time, bool) {
	if raw == nil {
		return time.Time{}, false
	}
	s := strings.TrimSpace(*raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
