package collector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// sysfsRoot is replaced in tests.
var sysfsRoot = "/sys"

// ErrNoBattery is returned when no BAT* power supply exists.
var ErrNoBattery = errors.New("no battery found")

// CollectBattery reads battery info from /sys/class/power_supply/BAT*.
// uevent is preferred; kernels or firmware without it fall back to the
// capacity and status attribute files.
func CollectBattery() (*BatterySample, error) {
	dir, err := batteryDir()
	if err != nil {
		return nil, err
	}

	props, err := readBatteryProps(dir)
	if err != nil {
		return nil, err
	}

	s := &BatterySample{
		Timestamp: time.Now().Unix(),
		Status:    props["POWER_SUPPLY_STATUS"],
		ACOnline:  ACOnline(),
	}
	s.VoltageUV, _ = strconv.ParseInt(props["POWER_SUPPLY_VOLTAGE_NOW"], 10, 64)
	s.CurrentUA, _ = strconv.ParseInt(props["POWER_SUPPLY_CURRENT_NOW"], 10, 64)
	s.PowerUW, _ = strconv.ParseInt(props["POWER_SUPPLY_POWER_NOW"], 10, 64)
	if capacity, err := strconv.Atoi(strings.TrimSpace(props["POWER_SUPPLY_CAPACITY"])); err == nil {
		s.CapacityPct = min(max(capacity, 0), 100)
		s.HasCapacity = true
	}

	// If power_now isn't reported, compute from voltage * current.
	if s.PowerUW == 0 && s.VoltageUV > 0 && s.CurrentUA > 0 {
		s.PowerUW = (s.VoltageUV / 1000) * (s.CurrentUA / 1000)
	}

	// Some firmware reports "Discharging" at full capacity while on AC power.
	if s.Status == "Discharging" && s.CapacityPct >= 100 && s.ACOnline {
		s.Status = "Full"
	}

	return s, nil
}

// CollectBatteryInfo reads battery identity and wear info from sysfs.
func CollectBatteryInfo() (*BatteryInfo, error) {
	dir, err := batteryDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "uevent"))
	if err != nil {
		return nil, fmt.Errorf("read uevent: %w", err)
	}

	props := parseUevent(string(data))
	info := &BatteryInfo{
		Manufacturer: props["POWER_SUPPLY_MANUFACTURER"],
		Model:        props["POWER_SUPPLY_MODEL_NAME"],
		Technology:   props["POWER_SUPPLY_TECHNOLOGY"],
	}
	info.CycleCount, _ = strconv.ParseInt(props["POWER_SUPPLY_CYCLE_COUNT"], 10, 64)
	info.ChargeFullDesignUAH, _ = strconv.ParseInt(props["POWER_SUPPLY_CHARGE_FULL_DESIGN"], 10, 64)
	info.ChargeFullUAH, _ = strconv.ParseInt(props["POWER_SUPPLY_CHARGE_FULL"], 10, 64)
	// Energy-reporting batteries expose µWh instead; the ratio is what matters.
	if info.ChargeFullDesignUAH == 0 {
		info.ChargeFullDesignUAH, _ = strconv.ParseInt(props["POWER_SUPPLY_ENERGY_FULL_DESIGN"], 10, 64)
		info.ChargeFullUAH, _ = strconv.ParseInt(props["POWER_SUPPLY_ENERGY_FULL"], 10, 64)
	}
	return info, nil
}

// ACOnline checks if any AC adapter is online.
func ACOnline() bool {
	for _, pattern := range []string{"AC*", "ADP*"} {
		matches, err := filepath.Glob(filepath.Join(sysfsRoot, "class/power_supply", pattern, "online"))
		if err != nil {
			continue
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err == nil && strings.TrimSpace(string(data)) == "1" {
				return true
			}
		}
	}
	return false
}

func batteryDir() (string, error) {
	matches, err := filepath.Glob(filepath.Join(sysfsRoot, "class/power_supply/BAT*"))
	if err != nil {
		return "", fmt.Errorf("glob battery: %w", err)
	}
	if len(matches) == 0 {
		return "", ErrNoBattery
	}
	return matches[0], nil
}

func readBatteryProps(dir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "uevent"))
	if err == nil {
		return parseUevent(string(data)), nil
	}
	ueventErr := err

	props := make(map[string]string)
	if v, err := os.ReadFile(filepath.Join(dir, "capacity")); err == nil {
		props["POWER_SUPPLY_CAPACITY"] = strings.TrimSpace(string(v))
	}
	if v, err := os.ReadFile(filepath.Join(dir, "status")); err == nil {
		props["POWER_SUPPLY_STATUS"] = strings.TrimSpace(string(v))
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("read uevent: %w", ueventErr)
	}
	return props, nil
}

func parseUevent(data string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			props[k] = v
		}
	}
	return props
}
