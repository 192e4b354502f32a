package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadLegacy reads the key=value format: one key per line, '#' comments,
// comma-separated process lists. Unknown keys and unparsable values are
// reported as warnings and leave the default in place.
func LoadLegacy(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := DefaultConfig()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			cfg.warnf("line %d: expected key=value", lineNo)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if err := cfg.setLegacy(key, value); err != nil {
			cfg.warnf("line %d: %v", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return NormalizeAndValidate(cfg)
}

func (c *Config) setLegacy(key, value string) error {
	switch key {
	case "threshold_low":
		return setInt(&c.ThresholdLow, key, value)
	case "threshold_critical":
		return setInt(&c.ThresholdCritical, key, value)
	case "threshold_high":
		return setInt(&c.ThresholdHigh, key, value)
	case "ignore_processes_for_kill":
		c.IgnoreForKill = append(c.IgnoreForKill, strings.Split(value, ",")...)
	case "ignore_processes_for_sleep":
		c.IgnoreForSleep = append(c.IgnoreForSleep, strings.Split(value, ",")...)
	case "cpu_threshold":
		v, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Saving.CPUThresholdPct = v
	case "dry_run":
		return setBool(&c.Saving.DryRun, key, value)
	case "auto_enter":
		return setBool(&c.Saving.AutoEnter, key, value)
	case "brightness_pct":
		return setInt(&c.Saving.BrightnessPct, key, value)
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, key, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}
