package usage

import "time"

const (
	FiveHourWindow = 5 * time.Hour
	SevenDayWindow = 7 * 24 * time.Hour
)

// Snapshot is the most recent quota reading, shared by the CLI, TUI and control API.
type Snapshot struct {
	FiveHour  WindowSummary `json:"five_hour"`
	SevenDay  WindowSummary `json:"seven_day"`
	FetchedAt time.Time     `json:"fetched_at"`
	Error     *FetchError   `json:"error,omitempty"`
}

type WindowSummary struct {
	Utilization       float64    `json:"utilization"`
	ResetsAt          *time.Time `json:"resets_at,omitempty"`
	SecondsUntilReset *int64     `json:"seconds_until_reset,omitempty"`
	ResetProgress     float64    `json:"reset_progress"`
}

// Peak returns the higher of the two window utilizations.
func (s *Snapshot) Peak() float64 {
	if s == nil {
		return 0
	}
	if s.SevenDay.Utilization > s.FiveHour.Utilization {
		return s.SevenDay.Utilization
	}
	return s.FiveHour.Utilization
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Elevated reports whether the level is above normal.
func (l Level) Elevated() bool {
	return l == LevelWarning || l == LevelCritical
}

type DoctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}
