package collector

// BatterySample holds a snapshot of battery state from /sys/class/power_supply/BAT*.
type BatterySample struct {
	Timestamp   int64  `json:"timestamp"`
	VoltageUV   int64  `json:"voltage_uv"`
	CurrentUA   int64  `json:"current_ua"`
	PowerUW     int64  `json:"power_uw"`
	CapacityPct int    `json:"capacity_pct"`
	HasCapacity bool   `json:"has_capacity"`
	Status      string `json:"status"`
	ACOnline    bool   `json:"ac_online"`
}

// Charging reports whether the machine is on external power. A battery that
// is "Full" or "Not charging" while plugged in still counts.
func (s *BatterySample) Charging() bool {
	return s.Status == "Charging" || s.ACOnline
}

// BatteryInfo holds battery identity and wear, shown by the status command.
type BatteryInfo struct {
	Manufacturer        string `json:"manufacturer,omitempty"`
	Model               string `json:"model,omitempty"`
	Technology          string `json:"technology,omitempty"`
	CycleCount          int64  `json:"cycle_count"`
	ChargeFullDesignUAH int64  `json:"charge_full_design_uah"`
	ChargeFullUAH       int64  `json:"charge_full_uah"`
}

// HealthPct returns full charge capacity relative to design capacity, or 0
// when either value is missing.
func (i *BatteryInfo) HealthPct() int {
	if i.ChargeFullDesignUAH <= 0 || i.ChargeFullUAH <= 0 {
		return 0
	}
	return int(i.ChargeFullUAH * 100 / i.ChargeFullDesignUAH)
}

// BacklightSample holds a snapshot of display backlight state.
type BacklightSample struct {
	Timestamp     int64  `json:"timestamp"`
	Device        string `json:"device"`
	Brightness    int64  `json:"brightness"`
	MaxBrightness int64  `json:"max_brightness"`
}
