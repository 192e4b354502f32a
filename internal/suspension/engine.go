package suspension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/classifier"
)

// DefaultCPUThresholdPct is the CPU usage at or above which a process counts
// as CPU-heavy.
const DefaultCPUThresholdPct = 1.0

// Options configures an Engine.
type Options struct {
	// UID is the invoking user. User daemons are only selected among its processes.
	UID int
	// SelfPID is never suspended by the daemon pass.
	SelfPID int
	// CPUThresholdPct is the minimum CPU usage for the high-CPU pass.
	CPUThresholdPct float64
	// DryRun logs intended actions without signalling or registering anything.
	DryRun bool
}

// Engine selects processes to stop, stops them, and resumes exactly the ones
// it stopped. It is not safe for concurrent passes; the poll loop serialises
// every call.
type Engine struct {
	procs    Enumerator
	signals  Signaler
	registry *Registry
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	// wouldStop holds the PIDs a dry run counted, so the two passes stay
	// disjoint without registering anything.
	wouldStop map[int]Kind
}

// NewEngine creates an engine with an empty registry.
func NewEngine(procs Enumerator, signals Signaler, opts Options, logger *slog.Logger) *Engine {
	if opts.CPUThresholdPct <= 0 {
		opts.CPUThresholdPct = DefaultCPUThresholdPct
	}
	return &Engine{
		procs:    procs,
		signals:  signals,
		registry:  NewRegistry(),
		opts:      opts,
		log:       logger,
		now:       time.Now,
		wouldStop: map[int]Kind{},
	}
}

// Registry exposes the registry for read-only status reporting.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// SuspendHighCPU stops every non-root process other than currentPID whose CPU
// usage is at least the configured threshold and whose name is not critical.
func (e *Engine) SuspendHighCPU(ctx context.Context, currentPID int, ignore classifier.IgnoreSet) (Result, error) {
	res := Result{Kind: KindHighCPU, DryRun: e.opts.DryRun}

	procs, err := e.procs.Processes(ctx)
	if err != nil {
		e.log.Error("high-cpu pass aborted", "err", err)
		return res, fmt.Errorf("%w: %w", ErrEnumerate, err)
	}

	var candidates []ProcessRecord
	for _, p := range procs {
		if p.OwnerUID == 0 || p.CPUPercent < e.opts.CPUThresholdPct {
			continue
		}
		if !e.eligible(p, currentPID, ignore) {
			res.Skipped++
			continue
		}
		candidates = append(candidates, p)
	}

	e.stopAll(KindHighCPU, candidates, &res)
	e.log.Info("high-cpu pass done",
		"stopped", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"threshold_pct", e.opts.CPUThresholdPct,
		"dry_run", res.DryRun)
	return res, nil
}

// SuspendUserDaemons stops every process owned by the invoking user that has
// no controlling terminal and is not critical. It does nothing when the
// invoking user is root, where "tty-less" would match system services.
func (e *Engine) SuspendUserDaemons(ctx context.Context, ignore classifier.IgnoreSet) (Result, error) {
	res := Result{Kind: KindDaemon, DryRun: e.opts.DryRun}

	if e.opts.UID == 0 {
		e.log.Warn("refusing to suspend daemons as root")
		return res, nil
	}

	procs, err := e.procs.Processes(ctx)
	if err != nil {
		e.log.Error("daemon pass aborted", "err", err)
		return res, fmt.Errorf("%w: %w", ErrEnumerate, err)
	}

	var candidates []ProcessRecord
	for _, p := range procs {
		if p.OwnerUID != e.opts.UID || p.HasTerminal() {
			continue
		}
		if !e.eligible(p, e.opts.SelfPID, ignore) {
			res.Skipped++
			continue
		}
		candidates = append(candidates, p)
	}

	e.stopAll(KindDaemon, candidates, &res)
	e.log.Info("daemon pass done",
		"stopped", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"dry_run", res.DryRun)
	return res, nil
}

// ResumeHighCPU continues every process stopped by SuspendHighCPU and clears
// that registry, whether or not each signal succeeded.
func (e *Engine) ResumeHighCPU() Result {
	return e.resume(KindHighCPU)
}

// ResumeUserDaemons continues every process stopped by SuspendUserDaemons and
// clears that registry, whether or not each signal succeeded.
func (e *Engine) ResumeUserDaemons() Result {
	return e.resume(KindDaemon)
}

// ResumeAll resumes both registries.
func (e *Engine) ResumeAll() (highCPU, daemons Result) {
	return e.ResumeHighCPU(), e.ResumeUserDaemons()
}

// eligible applies the checks shared by both passes.
func (e *Engine) eligible(p ProcessRecord, excludePID int, ignore classifier.IgnoreSet) bool {
	switch {
	case p.PID == excludePID:
		return false
	case classifier.IsCritical(p.Name, ignore):
		e.log.Debug("skipping critical process", "pid", p.PID, "comm", p.Name)
		return false
	case e.registry.Contains(p.PID):
		return false
	case e.opts.DryRun && e.counted(p.PID):
		return false
	case p.Stopped() || p.Zombie():
		// Someone else stopped it; resuming it later would be wrong.
		return false
	}
	return true
}

func (e *Engine) stopAll(kind Kind, candidates []ProcessRecord, res *Result) {
	for _, p := range candidates {
		if e.opts.DryRun {
			e.log.Info("dry run: would stop process", "kind", kind, "pid", p.PID, "comm", p.Name, "cpu_pct", p.CPUPercent)
			e.wouldStop[p.PID] = kind
			res.Succeeded++
			continue
		}
		if err := e.signals.Stop(p.PID); err != nil {
			e.log.Warn("stop failed", "kind", kind, "pid", p.PID, "comm", p.Name, "err", err)
			res.Failed++
			continue
		}
		if !e.registry.add(kind, p.PID, p.Name, e.now()) {
			e.log.Warn("process already registered", "kind", kind, "pid", p.PID)
			continue
		}
		e.log.Debug("stopped process", "kind", kind, "pid", p.PID, "comm", p.Name, "cpu_pct", p.CPUPercent)
		res.Succeeded++
	}
}

func (e *Engine) counted(pid int) bool {
	_, ok := e.wouldStop[pid]
	return ok
}

func (e *Engine) resume(kind Kind) Result {
	res := Result{Kind: kind, DryRun: e.opts.DryRun}
	for pid, k := range e.wouldStop {
		if k == kind {
			delete(e.wouldStop, pid)
		}
	}
	entries := e.registry.drain(kind)
	if len(entries) == 0 {
		return res
	}

	for _, ent := range entries {
		if err := e.signals.Continue(ent.PID); err != nil {
			if errors.Is(err, ErrNoProcess) {
				e.log.Debug("process exited while stopped", "kind", kind, "pid", ent.PID, "comm", ent.Name)
			} else {
				e.log.Warn("continue failed", "kind", kind, "pid", ent.PID, "comm", ent.Name, "err", err)
			}
			res.Failed++
			continue
		}
		res.Succeeded++
	}

	e.log.Info("resumed processes", "kind", kind, "resumed", res.Succeeded, "failed", res.Failed)
	return res
}
