package storage

import (
	"log/slog"
	"time"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/saver"
)

// Recorder persists controller ticks and transitions. Write failures are
// logged and otherwise ignored.
type Recorder struct {
	db  *DB
	log *slog.Logger
}

func NewRecorder(db *DB, logger *slog.Logger) *Recorder {
	return &Recorder{db: db, log: logger}
}

func (r *Recorder) ObserveTick(rd saver.Reading, mode saver.Mode, _ time.Duration) {
	row := BatteryRow{
		Timestamp:   rd.At.Unix(),
		CapacityPct: rd.Level,
		HasCapacity: rd.LevelKnown,
		Charging:    rd.Charging,
		Status:      rd.Status,
		PowerUW:     rd.PowerUW,
		Mode:        mode.String(),
	}
	if err := r.db.InsertBatteryRow(row); err != nil {
		r.log.Error("insert battery sample", "err", err)
	}
}

func (r *Recorder) ObserveTransition(t saver.Transition) {
	ev := SavingEvent{
		Timestamp:  t.At.Unix(),
		From:       t.From.String(),
		To:         t.To.String(),
		Reason:     t.Reason,
		LevelPct:   t.Level,
		LevelKnown: t.LevelKnown,
		HighCPU:    t.HighCPU.Succeeded,
		Daemons:    t.Daemons.Succeeded,
		Failed:     t.HighCPU.Failed + t.Daemons.Failed,
		DryRun:     t.HighCPU.DryRun || t.Daemons.DryRun,
	}
	if err := r.db.InsertSavingEvent(ev); err != nil {
		r.log.Error("insert saving event", "err", err)
	}
}
