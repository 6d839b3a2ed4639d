package history

import "time"

type WindowStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

type Stats struct {
	Count    int         `json:"count"`
	First    *time.Time  `json:"first,omitempty"`
	Last     *time.Time  `json:"last,omitempty"`
	FiveHour WindowStats `json:"five_hour"`
	SevenDay WindowStats `json:"seven_day"`
}

// Stats aggregates the samples recorded in the last hours.
func (l *Ledger) Stats(hours float64) Stats {
	samples := l.since(time.Duration(hours * float64(time.Hour)))
	if len(samples) == 0 {
		return Stats{}
	}
	first := samples[0].Timestamp
	last := samples[len(samples)-1].Timestamp
	return Stats{
		Count:    len(samples),
		First:    &first,
		Last:     &last,
		FiveHour: windowStats(samples, func(s Sample) float64 { return s.FiveHour }),
		SevenDay: windowStats(samples, func(s Sample) float64 { return s.SevenDay }),
	}
}

func windowStats(samples []Sample, pick func(Sample) float64) WindowStats {
	ws := WindowStats{Min: pick(samples[0]), Max: pick(samples[0])}
	for _, s := range samples[1:] {
		v := pick(s)
		if v < ws.Min {
			ws.Min = v
		}
		if v > ws.Max {
			ws.Max = v
		}
	}
	ws.Average = round2(average(samples, pick))
	return ws
}
