package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/collector"
	dbussvc "github.com/cptspacemanspiff/gnome-battery-saver/internal/dbus"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/storage"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/suspension"
)

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &dbussvc.StatusReport{
		Mode:       "saving",
		Manual:     true,
		DryRun:     true,
		Since:      time.Now().Unix(),
		Last:       dbussvc.Reading{Level: 12, LevelKnown: true, Status: "Discharging", PowerUW: 6_500_000},
		Thresholds: dbussvc.Thresholds{Low: 15, Critical: 5, High: 70},
		Battery:    &collector.BatteryInfo{Manufacturer: "SMP", Model: "L20M3PG1", CycleCount: 211},
		HealthPct:  88,
		Suspended: []suspension.Entry{
			{PID: 4242, Name: "syncthing", Kind: suspension.KindDaemon},
		},
	})

	out := buf.String()
	for _, want := range []string{
		"saving (requested) [dry run]",
		"12%, Discharging",
		"6.5 W",
		"low 15%, critical 5%, high 70%",
		"SMP L20M3PG1, 211 cycles, 88% health",
		"Stopped:",
		"4242",
		"syncthing",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("printStatus output = %q, want it to contain %q", out, want)
		}
	}
}

func TestPrintStatus_UnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &dbussvc.StatusReport{Mode: "normal", Last: dbussvc.Reading{Status: "Unknown"}})

	out := buf.String()
	if !strings.Contains(out, "unknown, Unknown") {
		t.Fatalf("printStatus output = %q, want unknown level", out)
	}
	if strings.Contains(out, "Pack:") || strings.Contains(out, "Power:") {
		t.Fatalf("printStatus output = %q, want no pack or power lines", out)
	}
}

func TestPrintEvents(t *testing.T) {
	var buf bytes.Buffer
	printEvents(&buf, nil)
	if strings.TrimSpace(buf.String()) != "no transitions" {
		t.Fatalf("printEvents(nil) = %q", buf.String())
	}

	buf.Reset()
	printEvents(&buf, []storage.SavingEvent{
		{Timestamp: 100, From: "normal", To: "saving", Reason: "low_battery", LevelPct: 14, LevelKnown: true, HighCPU: 1, Daemons: 6},
		{Timestamp: 200, From: "saving", To: "normal", Reason: "charging", DryRun: true},
	})
	out := buf.String()
	for _, want := range []string{"normal -> saving", "low_battery", "14%", "saving -> normal (dry run)", "charging"} {
		if !strings.Contains(out, want) {
			t.Fatalf("printEvents output = %q, want it to contain %q", out, want)
		}
	}
}

func TestPrintReadings(t *testing.T) {
	var buf bytes.Buffer
	printReadings(&buf, nil)
	if strings.TrimSpace(buf.String()) != "no readings" {
		t.Fatalf("printReadings(nil) = %q", buf.String())
	}

	buf.Reset()
	printReadings(&buf, []storage.BatteryRow{
		{Timestamp: 100, CapacityPct: 42, HasCapacity: true, Status: "Discharging", PowerUW: 7_200_000, Mode: "normal"},
		{Timestamp: 200, Status: "Unknown", Mode: "saving"},
	})
	out := buf.String()
	for _, want := range []string{"LEVEL", "42%", "Discharging", "7.2 W", "Unknown", "saving"} {
		if !strings.Contains(out, want) {
			t.Fatalf("printReadings output = %q, want it to contain %q", out, want)
		}
	}
}

func TestPrintLastRecorded(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "history.db")

	if ok, err := printLastRecorded(&buf, ""); ok || err != nil {
		t.Fatalf("printLastRecorded(disabled) = (%v, %v), want (false, nil)", ok, err)
	}
	if ok, err := printLastRecorded(&buf, path); ok || err != nil {
		t.Fatalf("printLastRecorded(missing) = (%v, %v), want (false, nil)", ok, err)
	}

	db, err := storage.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if ok, err := printLastRecorded(&buf, path); ok || err != nil {
		t.Fatalf("printLastRecorded(empty) = (%v, %v), want (false, nil)", ok, err)
	}
	for _, r := range []storage.BatteryRow{
		{Timestamp: 100, CapacityPct: 60, HasCapacity: true, Status: "Discharging", Mode: "normal"},
		{Timestamp: 200, CapacityPct: 13, HasCapacity: true, Status: "Discharging", Mode: "saving"},
	} {
		if err := db.InsertBatteryRow(r); err != nil {
			t.Fatalf("InsertBatteryRow() error = %v", err)
		}
	}
	db.Close()

	ok, err := printLastRecorded(&buf, path)
	if !ok || err != nil {
		t.Fatalf("printLastRecorded() = (%v, %v), want (true, nil)", ok, err)
	}
	out := buf.String()
	if !strings.Contains(out, "daemon not running") || !strings.Contains(out, "13%") || strings.Contains(out, "60%") {
		t.Fatalf("printLastRecorded output = %q, want only the newest reading", out)
	}
}
