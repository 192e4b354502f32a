package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/collector"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/saver"
)

// batterySensor adapts the sysfs collector to saver.Sensor.
type batterySensor struct {
	read     func() (*collector.BatterySample, error)
	acOnline func() bool
	log      *slog.Logger
	now      func() time.Time
}

func (s batterySensor) Read(context.Context) saver.Reading {
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	sample, err := s.read()
	if err != nil {
		// The adapter can still say whether we are plugged in.
		charging := s.acOnline()
		s.log.Debug("collect failed", "err", err, "ac_online", charging)
		return saver.Reading{Charging: charging, Status: "Unknown", At: now()}
	}

	s.log.Info("sample",
		"capacity_pct", sample.CapacityPct,
		"status", sample.Status,
		"ac_online", sample.ACOnline,
		"power_uw", sample.PowerUW)
	return saver.Reading{
		Level:      sample.CapacityPct,
		LevelKnown: sample.HasCapacity,
		Charging:   sample.Charging(),
		Status:     sample.Status,
		PowerUW:    sample.PowerUW,
		At:         now(),
	}
}
