package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, name, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/state")
	cfg := DefaultConfig()

	if cfg.ThresholdLow != 15 || cfg.ThresholdCritical != 5 || cfg.ThresholdHigh != 70 {
		t.Fatalf("thresholds = %d/%d/%d, want 15/5/70", cfg.ThresholdLow, cfg.ThresholdCritical, cfg.ThresholdHigh)
	}
	if cfg.Storage.DBPath != "/tmp/state/battery-saver/history.db" {
		t.Fatalf("unexpected DBPath: %q", cfg.Storage.DBPath)
	}
	if cfg.Saving.CPUThresholdPct != 1.0 {
		t.Fatalf("unexpected CPUThresholdPct: %v", cfg.Saving.CPUThresholdPct)
	}
	if !cfg.Saving.SuspendUserDaemons || cfg.Saving.DryRun || cfg.Saving.AutoEnter {
		t.Fatalf("unexpected saving flags: %+v", cfg.Saving)
	}
	if !cfg.Notify.Enabled || cfg.Notify.TimeoutSeconds != 120 {
		t.Fatalf("unexpected notify config: %+v", cfg.Notify)
	}
	if cfg.Cleanup.RetentionDays != 30 || cfg.Cleanup.IntervalHours != 24 {
		t.Fatalf("unexpected cleanup config: %+v", cfg.Cleanup)
	}
}

func TestLoad_OverridesAndKeepsDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.toml", `
threshold_low = 20
ignore_processes_for_kill = ["firefox", " slack ", "", "Firefox"]

[saving]
dry_run = true

[storage]
db_path = "/tmp/test.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ThresholdLow != 20 {
		t.Fatalf("ThresholdLow = %d, want 20", cfg.ThresholdLow)
	}
	if cfg.ThresholdCritical != 5 || cfg.ThresholdHigh != 70 {
		t.Fatalf("thresholds = %d/%d, want default 5/70", cfg.ThresholdCritical, cfg.ThresholdHigh)
	}
	if want := []string{"firefox", "slack"}; !reflect.DeepEqual(cfg.IgnoreForKill, want) {
		t.Fatalf("IgnoreForKill = %q, want %q", cfg.IgnoreForKill, want)
	}
	if !cfg.Saving.DryRun {
		t.Fatal("DryRun = false, want true")
	}
	if cfg.Saving.BrightnessPct != 50 {
		t.Fatalf("BrightnessPct = %d, want default 50", cfg.Saving.BrightnessPct)
	}
	if cfg.Storage.DBPath != "/tmp/test.db" {
		t.Fatalf("DBPath = %q, want /tmp/test.db", cfg.Storage.DBPath)
	}
	if len(cfg.Warnings()) != 0 {
		t.Fatalf("Warnings() = %q, want none", cfg.Warnings())
	}
}

func TestLoad_UnknownKeysWarn(t *testing.T) {
	path := writeTempConfig(t, "config.toml", `
thresold_low = 20

[saving]
brightness = 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Warnings()) != 2 {
		t.Fatalf("Warnings() = %q, want 2 unknown key warnings", cfg.Warnings())
	}
}

func TestLoad_InvalidThresholdsFallBackToDefaults(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"low above high", "threshold_low = 80\nthreshold_high = 70\n"},
		{"critical above low", "threshold_critical = 20\n"},
		{"negative critical", "threshold_critical = -1\n"},
		{"high above 100", "threshold_high = 120\n"},
		{"low equals high", "threshold_low = 70\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeTempConfig(t, "config.toml", tt.contents))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.ThresholdLow != 15 || cfg.ThresholdCritical != 5 || cfg.ThresholdHigh != 70 {
				t.Fatalf("thresholds = %d/%d/%d, want defaults", cfg.ThresholdLow, cfg.ThresholdCritical, cfg.ThresholdHigh)
			}
			if len(cfg.Warnings()) != 1 {
				t.Fatalf("Warnings() = %q, want one threshold warning", cfg.Warnings())
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatal("Load() error = nil, want missing file error")
	}
	if !os.IsNotExist(err) {
		t.Fatalf("Load() error = %v, want not-exist error", err)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTempConfig(t, "config.toml", "not = [valid")
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want TOML parse error")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name       string
		contents   string
		wantErrSub string
	}{
		{
			name:       "cpu threshold too small",
			contents:   "[saving]\ncpu_threshold_pct = 0.0\n",
			wantErrSub: "saving.cpu_threshold_pct must be between",
		},
		{
			name:       "brightness above 100",
			contents:   "[saving]\nbrightness_pct = 150\n",
			wantErrSub: "saving.brightness_pct must be between 0 and 100",
		},
		{
			name:       "notify timeout too short",
			contents:   "[notify]\ntimeout_seconds = 1\n",
			wantErrSub: "notify.timeout_seconds must be between 5 and 3600",
		},
		{
			name:       "retention_days must be positive",
			contents:   "[cleanup]\nretention_days = 0\n",
			wantErrSub: "cleanup.retention_days must be between 1 and 3650",
		},
		{
			name:       "interval_hours must be positive",
			contents:   "[cleanup]\ninterval_hours = 0\n",
			wantErrSub: "cleanup.interval_hours must be between 1 and 720",
		},
		{
			name:       "relative db path",
			contents:   "[storage]\ndb_path = \"history.db\"\n",
			wantErrSub: "storage.db_path must be an absolute path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, "config.toml", tt.contents)

			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() error = nil, want error containing %q", tt.wantErrSub)
			}
			if !strings.Contains(err.Error(), tt.wantErrSub) {
				t.Fatalf("Load() error = %q, want contains %q", err.Error(), tt.wantErrSub)
			}
		})
	}
}

func TestLoad_EmptyDBPathDisablesHistory(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "config.toml", "[storage]\ndb_path = \"\"\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.DBPath != "" {
		t.Fatalf("DBPath = %q, want empty", cfg.Storage.DBPath)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := DefaultConfig()
	cfg.ThresholdLow = 25
	cfg.IgnoreForSleep = []string{"syncthing"}
	cfg.Metrics.ListenAddress = "127.0.0.1:9477"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ThresholdLow != 25 {
		t.Fatalf("ThresholdLow = %d, want 25", loaded.ThresholdLow)
	}
	if !reflect.DeepEqual(loaded.IgnoreForSleep, []string{"syncthing"}) {
		t.Fatalf("IgnoreForSleep = %q", loaded.IgnoreForSleep)
	}
	if loaded.Metrics.ListenAddress != "127.0.0.1:9477" {
		t.Fatalf("ListenAddress = %q", loaded.Metrics.ListenAddress)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries, want only config.toml", len(entries))
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cleanup.RetentionDays = 0
	if err := Save(filepath.Join(t.TempDir(), "config.toml"), cfg); err == nil {
		t.Fatal("Save() error = nil, want validation error")
	}
	if err := Save("  ", DefaultConfig()); err == nil {
		t.Fatal("Save() error = nil, want empty path error")
	}
}

func TestLoadOrDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"), logger)
	if cfg.ThresholdLow != 15 {
		t.Fatalf("ThresholdLow = %d, want default", cfg.ThresholdLow)
	}
	if !strings.Contains(buf.String(), "using defaults") {
		t.Fatalf("log = %q, want a fallback warning", buf.String())
	}

	legacy := writeTempConfig(t, "config.config", "threshold_low = 30\n")
	cfg = LoadOrDefault(legacy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if cfg.ThresholdLow != 30 {
		t.Fatalf("ThresholdLow = %d, want 30 from legacy file", cfg.ThresholdLow)
	}
}

func TestLoadOrDefault_DiscoversXDGThenLegacy(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if cfg := LoadOrDefault("", logger); cfg.ThresholdLow != 15 {
		t.Fatalf("ThresholdLow = %d, want default with no files", cfg.ThresholdLow)
	}

	legacyPath := filepath.Join(home, ".config", "battery_monitor", "config.config")
	if err := os.MkdirAll(filepath.Dir(legacyPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(legacyPath, []byte("threshold_low = 22\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if cfg := LoadOrDefault("", logger); cfg.ThresholdLow != 22 {
		t.Fatalf("ThresholdLow = %d, want 22 from legacy file", cfg.ThresholdLow)
	}

	cfg := DefaultConfig()
	cfg.ThresholdLow = 18
	if err := Save(DefaultPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if cfg := LoadOrDefault("", logger); cfg.ThresholdLow != 18 {
		t.Fatalf("ThresholdLow = %d, want 18 from TOML file", cfg.ThresholdLow)
	}
}

func TestLoadFile_PicksFormatByExtension(t *testing.T) {
	toml := writeTempConfig(t, "config.toml", "threshold_low = 21\n")
	cfg, err := LoadFile(toml)
	if err != nil {
		t.Fatalf("LoadFile(toml) error = %v", err)
	}
	if cfg.ThresholdLow != 21 {
		t.Fatalf("ThresholdLow = %d, want 21", cfg.ThresholdLow)
	}

	legacy := writeTempConfig(t, "config.config", "threshold_low=23\n")
	cfg, err = LoadFile(legacy)
	if err != nil {
		t.Fatalf("LoadFile(legacy) error = %v", err)
	}
	if cfg.ThresholdLow != 23 {
		t.Fatalf("ThresholdLow = %d, want 23", cfg.ThresholdLow)
	}

	// key=value is not valid TOML, so a strict load must fail rather than
	// silently falling back.
	if _, err := LoadFile(writeTempConfig(t, "bad.toml", "threshold_low=23\nfoo\n")); err == nil {
		t.Fatal("LoadFile(bad toml) error = nil, want parse error")
	}
}
