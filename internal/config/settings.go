package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

var ErrInvalidThresholds = errors.New("thresholds must satisfy 0 < warning < critical <= 100")

// Settings are the user-adjustable runtime values persisted in settings.yaml.
type Settings struct {
	RefreshIntervalSec   int     `yaml:"refresh_interval_sec"`
	Adaptive             bool    `yaml:"adaptive"`
	Warning              float64 `yaml:"warning"`
	Critical             float64 `yaml:"critical"`
	NotificationsEnabled bool    `yaml:"notifications_enabled"`
}

func (s Settings) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSec) * time.Second
}

func ValidateThresholds(warning, critical float64) error {
	if warning <= 0 || warning >= critical || critical > 100 {
		return fmt.Errorf("%w (got warning=%g critical=%g)", ErrInvalidThresholds, warning, critical)
	}
	return nil
}

// SettingsStore is a typed key-value store over settings.yaml. Keys absent
// from the file keep their defaults. Every mutator validates, then persists.
type SettingsStore struct {
	path string

	mu       sync.Mutex
	settings Settings
}

func OpenSettings(path string, defaults Settings) (*SettingsStore, error) {
	settings := defaults
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings: %w", err)
		}
	}
	if settings.RefreshIntervalSec < MinIntervalSec {
		settings.RefreshIntervalSec = defaults.RefreshIntervalSec
	}
	if ValidateThresholds(settings.Warning, settings.Critical) != nil {
		settings.Warning, settings.Critical = defaults.Warning, defaults.Critical
	}
	return &SettingsStore{path: path, settings: settings}, nil
}

func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *SettingsStore) SetRefreshInterval(d time.Duration) error {
	secs := int(d / time.Second)
	if secs < MinIntervalSec {
		return fmt.Errorf("refresh interval must be at least %ds, got %s", MinIntervalSec, d)
	}
	return s.update(func(st *Settings) { st.RefreshIntervalSec = secs })
}

func (s *SettingsStore) SetAdaptive(enabled bool) error {
	return s.update(func(st *Settings) { st.Adaptive = enabled })
}

func (s *SettingsStore) SetThresholds(warning, critical float64) error {
	if err := ValidateThresholds(warning, critical); err != nil {
		return err
	}
	return s.update(func(st *Settings) { st.Warning, st.Critical = warning, critical })
}

func (s *SettingsStore) SetNotificationsEnabled(enabled bool) error {
	return s.update(func(st *Settings) { st.NotificationsEnabled = enabled })
}

func (s *SettingsStore) update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings
	fn(&next)
	data, err := yaml.Marshal(next)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	s.settings = next
	return nil
}
