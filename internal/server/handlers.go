package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/olliecrow/quota_monitor/internal/auth"
	"github.com/olliecrow/quota_monitor/internal/history"
	"github.com/olliecrow/quota_monitor/internal/usage"
)

const (
	// maxWindowMinutes bounds pause and trend windows to one week.
	maxWindowMinutes = 7 * 24 * 60
	maxIntervalSec   = 24 * 60 * 60
)

type quotaResponse struct {
	Snapshot *usage.Snapshot   `json:"snapshot"`
	Level    usage.Level       `json:"level"`
	Error    *usage.FetchError `json:"error,omitempty"`
}

func (s *Server) quota(snap *usage.Snapshot, err error) quotaResponse {
	resp := quotaResponse{Snapshot: snap, Level: s.monitor.Level()}
	var fe *usage.FetchError
	if errors.As(err, &fe) {
		resp.Error = fe
	} else if err != nil {
		resp.Error = &usage.FetchError{Type: usage.ErrorUnknown, Message: err.Error()}
	}
	return resp
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getQuota handles GET /v1/quota.
func (s *Server) getQuota(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.quota(s.monitor.CachedQuota(), s.monitor.LastError()))
}

// refreshQuota handles POST /v1/quota/refresh.
func (s *Server) refreshQuota(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "manual refresh is limited to once every 10 seconds")
		return
	}
	snap, err := s.monitor.FetchQuota(r.Context(), true)
	status := http.StatusOK
	if snap == nil && err != nil {
		status = http.StatusBadGateway
		if usage.IsAuth(err) {
			status = http.StatusUnauthorized
		}
	}
	writeJSON(w, status, s.quota(snap, err))
}

type windowTrend struct {
	Direction    history.Direction `json:"direction"`
	DeltaPerHour float64           `json:"delta_per_hour"`
}

type trendResponse struct {
	Available bool         `json:"available"`
	Minutes   int          `json:"minutes"`
	Samples   int          `json:"samples"`
	FiveHour  *windowTrend `json:"five_hour,omitempty"`
	SevenDay  *windowTrend `json:"seven_day,omitempty"`
}

// getTrend handles GET /v1/trend?minutes=30.
func (s *Server) getTrend(w http.ResponseWriter, r *http.Request) {
	minutes, ok := intParam(w, r, "minutes", 30)
	if !ok || !inRange(w, "minutes", minutes, 1, maxWindowMinutes) {
		return
	}
	resp := trendResponse{Minutes: minutes}
	if trend, ok := s.monitor.Trend(time.Duration(minutes) * time.Minute); ok {
		resp.Available = true
		resp.Samples = trend.Samples
		resp.FiveHour = &windowTrend{Direction: trend.FiveHour.Direction, DeltaPerHour: round2(trend.FiveHour.Delta)}
		resp.SevenDay = &windowTrend{Direction: trend.SevenDay.Direction, DeltaPerHour: round2(trend.SevenDay.Delta)}
	}
	writeJSON(w, http.StatusOK, resp)
}

type estimateResponse struct {
	Threshold       float64  `json:"threshold"`
	FiveHourMinutes *float64 `json:"five_hour_minutes"`
	SevenDayMinutes *float64 `json:"seven_day_minutes"`
}

// getEstimate handles GET /v1/estimate?threshold=90. The critical threshold
// is used when none is given.
func (s *Server) getEstimate(w http.ResponseWriter, r *http.Request) {
	threshold, ok := floatParam(w, r, "threshold", s.monitor.Thresholds().Critical)
	if !ok {
		return
	}
	if threshold <= 0 || threshold > 100 {
		writeError(w, http.StatusBadRequest, "bad_request", "threshold must be in (0, 100]")
		return
	}
	est := s.monitor.EstimateTimeToThreshold(threshold)
	writeJSON(w, http.StatusOK, estimateResponse{
		Threshold:       threshold,
		FiveHourMinutes: minutesOf(est.FiveHour),
		SevenDayMinutes: minutesOf(est.SevenDay),
	})
}

// getHistoryStats handles GET /v1/history/stats?hours=24.
func (s *Server) getHistoryStats(w http.ResponseWriter, r *http.Request) {
	hours, ok := floatParam(w, r, "hours", 24)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.HistoryStats(hours))
}

type scheduleResponse struct {
	BaseIntervalSec float64     `json:"base_interval_sec"`
	IntervalSec     float64     `json:"interval_sec"`
	Level           usage.Level `json:"level"`
	Adaptive        bool        `json:"adaptive"`
	Running         bool        `json:"running"`
	Paused          bool        `json:"paused"`
	ResumeAt        *time.Time  `json:"resume_at,omitempty"`
	NextFetchAt     *time.Time  `json:"next_fetch_at,omitempty"`
	Fetching        bool        `json:"fetching"`
}

func (s *Server) scheduleBody() scheduleResponse {
	st := s.monitor.Schedule()
	return scheduleResponse{
		BaseIntervalSec: st.BaseInterval.Seconds(),
		IntervalSec:     st.Interval.Seconds(),
		Level:           st.Level,
		Adaptive:        st.Adaptive,
		Running:         st.Running,
		Paused:          st.Paused,
		ResumeAt:        st.ResumeAt,
		NextFetchAt:     st.NextFetchAt,
		Fetching:        st.Fetching,
	}
}

// getSchedule handles GET /v1/schedule.
func (s *Server) getSchedule(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduleBody())
}

// pause handles POST /v1/pause?minutes=30. Without minutes the pause is
// indefinite.
func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	minutes, ok := intParam(w, r, "minutes", 0)
	if !ok || !inRange(w, "minutes", minutes, 0, maxWindowMinutes) {
		return
	}
	s.monitor.Pause(time.Duration(minutes) * time.Minute)
	writeJSON(w, http.StatusOK, s.scheduleBody())
}

// resume handles POST /v1/resume.
func (s *Server) resume(w http.ResponseWriter, _ *http.Request) {
	s.monitor.Resume()
	writeJSON(w, http.StatusOK, s.scheduleBody())
}

// putInterval handles PUT /v1/settings/interval {"seconds": 60}.
func (s *Server) putInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Seconds > maxIntervalSec {
		writeError(w, http.StatusBadRequest, "validation_failed", fmt.Sprintf("seconds must be at most %d", maxIntervalSec))
		return
	}
	if err := s.monitor.SetRefreshInterval(time.Duration(req.Seconds) * time.Second); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.scheduleBody())
}

// putAdaptive handles PUT /v1/settings/adaptive {"enabled": true}.
func (s *Server) putAdaptive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "enabled is required")
		return
	}
	if err := s.monitor.SetAdaptiveEnabled(*req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.scheduleBody())
}

// putThresholds handles PUT /v1/settings/thresholds {"warning": 75, "critical": 90}.
func (s *Server) putThresholds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Warning  float64 `json:"warning"`
		Critical float64 `json:"critical"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.monitor.SetThresholds(req.Warning, req.Critical); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Thresholds())
}

// getUser handles GET /v1/user.
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	info, err := s.monitor.UserInfo(r.Context())
	if errors.Is(err, auth.ErrNoCredentials) {
		writeError(w, http.StatusNotFound, "not_logged_in", "no credentials stored")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", name+" must be an integer")
		return 0, false
	}
	return v, true
}

// inRange writes a 400 and reports false when v is outside [lo, hi].
func inRange(w http.ResponseWriter, name string, v, lo, hi int) bool {
	if v < lo || v > hi {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("%s must be between %d and %d", name, lo, hi))
		return false
	}
	return true
}

func floatParam(w http.ResponseWriter, r *http.Request, name string, def float64) (float64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", name+" must be a number")
		return 0, false
	}
	return v, true
}

func minutesOf(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	m := round2(d.Minutes())
	return &m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
