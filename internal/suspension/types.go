// Package suspension stops and resumes processes while the laptop is in
// battery saving mode and remembers exactly which processes it stopped.
package suspension

import (
	"context"
	"errors"
	"time"
)

// ErrEnumerate wraps failures to list processes. A pass that hits it leaves
// the registry untouched.
var ErrEnumerate = errors.New("enumerate processes")

// ProcessRecord is one process from a fresh snapshot. Records are never
// cached across passes.
type ProcessRecord struct {
	PID        int     `json:"pid"`
	OwnerUID   int     `json:"owner_uid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	Terminal   string  `json:"terminal,omitempty"` // empty when there is no controlling tty
	State      string  `json:"state,omitempty"`    // /proc/<pid>/stat state letter
}

// HasTerminal reports whether the process has a controlling terminal.
func (p ProcessRecord) HasTerminal() bool {
	return p.Terminal != ""
}

// Stopped reports whether the process is already stopped or traced.
func (p ProcessRecord) Stopped() bool {
	return p.State == "T" || p.State == "t"
}

// Zombie reports whether the process has exited and awaits reaping.
func (p ProcessRecord) Zombie() bool {
	return p.State == "Z" || p.State == "X"
}

// Enumerator returns the current process table.
type Enumerator interface {
	Processes(ctx context.Context) ([]ProcessRecord, error)
}

// Signaler delivers job-control signals.
type Signaler interface {
	Stop(pid int) error
	Continue(pid int) error
}

// Kind names one of the two disjoint registries.
type Kind string

const (
	KindHighCPU Kind = "high_cpu"
	KindDaemon  Kind = "daemon"
)

// Entry is a process held stopped by the engine.
type Entry struct {
	PID         int       `json:"pid"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	SuspendedAt time.Time `json:"suspended_at"`
}

// Result summarises one suspend or resume pass.
type Result struct {
	Kind      Kind `json:"kind"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	DryRun    bool `json:"dry_run,omitempty"`
}
