package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultThresholdLow      = 15
	defaultThresholdCritical = 5
	defaultThresholdHigh     = 70

	minCPUThresholdPct      = 0.1
	maxCPUThresholdPct      = 1000
	minBrightnessPct        = 0
	maxBrightnessPct        = 100
	minNotifyTimeoutSecs    = 5
	maxNotifyTimeoutSecs    = 3600
	minRetentionDays        = 1
	maxRetentionDays        = 3650
	minCleanupIntervalHours = 1
	maxCleanupIntervalHours = 720
)

type Config struct {
	ThresholdLow      int      `toml:"threshold_low"`
	ThresholdCritical int      `toml:"threshold_critical"`
	ThresholdHigh     int      `toml:"threshold_high"`
	IgnoreForKill     []string `toml:"ignore_processes_for_kill"`
	IgnoreForSleep    []string `toml:"ignore_processes_for_sleep"`

	Saving  SavingConfig  `toml:"saving"`
	Notify  NotifyConfig  `toml:"notify"`
	Storage StorageConfig `toml:"storage"`
	Cleanup CleanupConfig `toml:"cleanup"`
	Metrics MetricsConfig `toml:"metrics"`

	warnings []string
}

type SavingConfig struct {
	CPUThresholdPct    float64 `toml:"cpu_threshold_pct"`
	DryRun             bool    `toml:"dry_run"`
	AutoEnter          bool    `toml:"auto_enter"`
	BrightnessPct      int     `toml:"brightness_pct"`
	SuspendUserDaemons bool    `toml:"suspend_user_daemons"`
}

type NotifyConfig struct {
	Enabled        bool `toml:"enabled"`
	TimeoutSeconds int  `toml:"timeout_seconds"`
}

type StorageConfig struct {
	// DBPath is the history database. Empty disables history.
	DBPath string `toml:"db_path"`
}

type CleanupConfig struct {
	RetentionDays int `toml:"retention_days"`
	IntervalHours int `toml:"interval_hours"`
}

type MetricsConfig struct {
	// ListenAddress serves /metrics when set, e.g. "127.0.0.1:9477".
	ListenAddress string `toml:"listen_address"`
}

func DefaultConfig() *Config {
	return &Config{
		ThresholdLow:      defaultThresholdLow,
		ThresholdCritical: defaultThresholdCritical,
		ThresholdHigh:     defaultThresholdHigh,
		Saving: SavingConfig{
			CPUThresholdPct:    1.0,
			BrightnessPct:      50,
			SuspendUserDaemons: true,
		},
		Notify: NotifyConfig{
			Enabled:        true,
			TimeoutSeconds: 120,
		},
		Storage: StorageConfig{
			DBPath: defaultDBPath(),
		},
		Cleanup: CleanupConfig{
			RetentionDays: 30,
			IntervalHours: 24,
		},
	}
}

// Warnings lists problems that were corrected while loading.
func (c *Config) Warnings() []string {
	return c.warnings
}

func (c *Config) warnf(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// DefaultPath is $XDG_CONFIG_HOME/battery-saver/config.toml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "battery-saver", "config.toml")
}

// LegacyPath is the key=value file older installs used.
func LegacyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "battery_monitor", "config.config")
}

func defaultDBPath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "battery-saver", "history.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "battery-saver", "history.db")
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, err
	}
	for _, key := range md.Undecoded() {
		cfg.warnf("unknown key %q", key.String())
	}

	return NormalizeAndValidate(cfg)
}

// LoadOrDefault loads explicit if set, otherwise the first of DefaultPath
// and LegacyPath that exists. Anything unreadable or invalid is logged and
// replaced by defaults; it never fails.
func LoadOrDefault(explicit string, logger *slog.Logger) *Config {
	path, legacy := explicit, false
	if path == "" {
		path, legacy = locate()
	} else {
		legacy = filepath.Ext(path) != ".toml"
	}
	if path == "" {
		logger.Info("no config file, using defaults")
		return DefaultConfig()
	}

	cfg, err := loadFile(path, legacy)
	if err != nil {
		logger.Warn("config unusable, using defaults", "path", path, "err", err)
		return DefaultConfig()
	}

	for _, w := range cfg.Warnings() {
		logger.Warn("config", "path", path, "warning", w)
	}
	logger.Info("config loaded", "path", path, "legacy", legacy)
	return cfg
}

// LoadFile loads path strictly, reading it as a legacy key=value file unless
// it has a .toml extension.
func LoadFile(path string) (*Config, error) {
	return loadFile(path, filepath.Ext(path) != ".toml")
}

func loadFile(path string, legacy bool) (*Config, error) {
	if legacy {
		return LoadLegacy(path)
	}
	return Load(path)
}

func locate() (path string, legacy bool) {
	if p := DefaultPath(); p != "" && exists(p) {
		return p, false
	}
	if p := LegacyPath(); p != "" && exists(p) {
		return p, true
	}
	return "", false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

// NormalizeAndValidate returns a cleaned copy of cfg. Bad thresholds are
// replaced by the defaults with a warning; other out of range values are
// errors.
func NormalizeAndValidate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sanitized := *cfg
	sanitized.warnings = append([]string(nil), cfg.warnings...)

	if !thresholdsValid(sanitized.ThresholdLow, sanitized.ThresholdCritical, sanitized.ThresholdHigh) {
		sanitized.warnf("thresholds must satisfy 0 <= critical <= low < high <= 100, got low=%d critical=%d high=%d; using %d/%d/%d",
			sanitized.ThresholdLow, sanitized.ThresholdCritical, sanitized.ThresholdHigh,
			defaultThresholdLow, defaultThresholdCritical, defaultThresholdHigh)
		sanitized.ThresholdLow = defaultThresholdLow
		sanitized.ThresholdCritical = defaultThresholdCritical
		sanitized.ThresholdHigh = defaultThresholdHigh
	}

	sanitized.IgnoreForKill = sanitizeNames(sanitized.IgnoreForKill)
	sanitized.IgnoreForSleep = sanitizeNames(sanitized.IgnoreForSleep)

	if sanitized.Storage.DBPath != "" {
		var err error
		sanitized.Storage.DBPath, err = sanitizePath("storage.db_path", sanitized.Storage.DBPath)
		if err != nil {
			return nil, err
		}
	}
	sanitized.Metrics.ListenAddress = strings.TrimSpace(sanitized.Metrics.ListenAddress)

	if err := validateFloatRange("saving.cpu_threshold_pct", sanitized.Saving.CPUThresholdPct, minCPUThresholdPct, maxCPUThresholdPct); err != nil {
		return nil, err
	}
	if err := validateRange("saving.brightness_pct", sanitized.Saving.BrightnessPct, minBrightnessPct, maxBrightnessPct); err != nil {
		return nil, err
	}
	if err := validateRange("notify.timeout_seconds", sanitized.Notify.TimeoutSeconds, minNotifyTimeoutSecs, maxNotifyTimeoutSecs); err != nil {
		return nil, err
	}
	if err := validateRange("cleanup.retention_days", sanitized.Cleanup.RetentionDays, minRetentionDays, maxRetentionDays); err != nil {
		return nil, err
	}
	if err := validateRange("cleanup.interval_hours", sanitized.Cleanup.IntervalHours, minCleanupIntervalHours, maxCleanupIntervalHours); err != nil {
		return nil, err
	}

	return &sanitized, nil
}

func Save(path string, cfg *Config) error {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return fmt.Errorf("config path must not be empty")
	}

	sanitized, err := NormalizeAndValidate(cfg)
	if err != nil {
		return err
	}

	var data bytes.Buffer
	if err := toml.NewEncoder(&data).Encode(sanitized); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}

	dir := filepath.Dir(trimmedPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data.Bytes()); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, trimmedPath); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	tmpPath = ""

	return nil
}

func thresholdsValid(low, critical, high int) bool {
	return critical >= 0 && critical <= low && low < high && high <= 100
}

func sanitizeNames(names []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

func sanitizePath(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	cleaned := filepath.Clean(trimmed)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%s must be an absolute path, got %q", name, value)
	}
	return cleaned, nil
}

func validateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}

	return nil
}

func validateFloatRange(name string, value, min, max float64) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %g and %g, got %g", name, min, max, value)
	}

	return nil
}
