// Package saver decides when the machine enters and leaves battery saving
// mode and drives the suspension engine accordingly.
package saver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/classifier"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/suspension"
)

// Mode is the controller state.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSaving
)

func (m Mode) String() string {
	if m == ModeSaving {
		return "saving"
	}
	return "normal"
}

// Thresholds are battery percentages. Valid thresholds satisfy
// 0 <= Critical <= Low < High <= 100.
type Thresholds struct {
	Low      int `json:"low"`
	Critical int `json:"critical"`
	High     int `json:"high"`
}

// DefaultThresholds apply when nothing valid is configured.
var DefaultThresholds = Thresholds{Low: 15, Critical: 5, High: 70}

// Valid reports whether t is ordered and within 0..100.
func (t Thresholds) Valid() bool {
	return t.Critical >= 0 && t.Critical <= t.Low && t.Low < t.High && t.High <= 100
}

// Poll intervals.
const (
	HighInterval     = 300 * time.Second
	LowInterval      = 60 * time.Second
	CriticalInterval = 30 * time.Second
	DefaultInterval  = 60 * time.Second
	ChargingInterval = 300 * time.Second
	BackoffInterval  = 60 * time.Second
)

// PollInterval returns how long to wait before the next reading, based only
// on the level.
func PollInterval(level int, t Thresholds) time.Duration {
	switch {
	case level > t.High:
		return HighInterval
	case level <= t.Critical:
		return CriticalInterval
	case level <= t.Low:
		return LowInterval
	}
	return DefaultInterval
}

// Reading is one battery poll. Level is meaningful only when LevelKnown.
type Reading struct {
	Level      int
	LevelKnown bool
	Charging   bool
	Status     string
	PowerUW    int64
	At         time.Time
}

// Choice is the user's answer to a low battery prompt.
type Choice int

const (
	Acknowledge Choice = iota
	EnterSavingMode
	Sleep
)

func (c Choice) String() string {
	switch c {
	case EnterSavingMode:
		return "enter_saving"
	case Sleep:
		return "sleep"
	}
	return "acknowledge"
}

// Kind says which threshold a prompt is about.
type Kind int

const (
	KindLow Kind = iota
	KindCritical
)

func (k Kind) String() string {
	if k == KindCritical {
		return "critical"
	}
	return "low"
}

// Elector asks the user what to do about a low battery. It blocks until the
// user answers, the prompt times out, or ctx is done; the last two yield
// Acknowledge.
type Elector interface {
	Elect(ctx context.Context, level int, kind Kind) Choice
}

// AutoElector always enters saving mode. It is used when nobody is there to
// answer a prompt.
type AutoElector struct{}

// Elect implements Elector.
func (AutoElector) Elect(context.Context, int, Kind) Choice { return EnterSavingMode }

// Suspender is the part of the suspension engine the controller drives.
type Suspender interface {
	SuspendHighCPU(ctx context.Context, currentPID int, ignore classifier.IgnoreSet) (suspension.Result, error)
	SuspendUserDaemons(ctx context.Context, ignore classifier.IgnoreSet) (suspension.Result, error)
	ResumeAll() (highCPU, daemons suspension.Result)
}

// Brightness dims the screen while saving.
type Brightness interface {
	Dim(pct int) error
	Restore() error
}

// Sleeper puts the machine to sleep.
type Sleeper interface {
	Sleep(ctx context.Context) error
}

// Transition describes a mode change.
type Transition struct {
	From       Mode
	To         Mode
	Reason     string
	Level      int
	LevelKnown bool
	HighCPU    suspension.Result
	Daemons    suspension.Result
	At         time.Time
}

// Observer is told about every tick and every transition. Implementations
// must not block.
type Observer interface {
	ObserveTick(r Reading, mode Mode, next time.Duration)
	ObserveTransition(t Transition)
}

// Transition reasons.
const (
	ReasonLowBattery      = "low_battery"
	ReasonCriticalBattery = "critical_battery"
	ReasonCharging        = "charging"
	ReasonRecovered       = "recovered"
	ReasonRequested       = "requested"
	ReasonShutdown        = "shutdown"
)

var (
	// ErrAlreadySaving is returned by an enter request while saving.
	ErrAlreadySaving = errors.New("already in saving mode")
	// ErrNotSaving is returned by an exit request outside saving mode.
	ErrNotSaving = errors.New("not in saving mode")
)

// Options configures a Controller.
type Options struct {
	Thresholds Thresholds
	// KillIgnore protects processes from the high-CPU pass.
	KillIgnore classifier.IgnoreSet
	// SleepIgnore protects processes from the user daemon pass.
	SleepIgnore classifier.IgnoreSet
	// SelfPID is never stopped by the high-CPU pass.
	SelfPID int
	// SuspendDaemons enables the user daemon pass.
	SuspendDaemons bool
	// DimPct is the brightness while saving; 0 leaves the screen alone.
	DimPct int
}

// Deps are the controller's collaborators. Brightness and Sleeper may be nil.
type Deps struct {
	Engine     Suspender
	Elector    Elector
	Brightness Brightness
	Sleeper    Sleeper
	Observers  []Observer
}

// Status is a point-in-time view of the controller for status reporting.
type Status struct {
	Mode             Mode
	Manual           bool
	Since            time.Time
	Last             Reading
	NotifiedLow      bool
	NotifiedCritical bool
	Thresholds       Thresholds
}

// Controller is the saving mode state machine. Tick, Handle and Shutdown must
// be called from a single goroutine; Status may be called from any.
type Controller struct {
	deps Deps
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu               sync.RWMutex
	mode             Mode
	manual           bool
	since            time.Time
	last             Reading
	notifiedLow      bool
	notifiedCritical bool
}

// NewController returns a controller in normal mode. Invalid thresholds are
// replaced by DefaultThresholds.
func NewController(deps Deps, opts Options, logger *slog.Logger) *Controller {
	if !opts.Thresholds.Valid() {
		logger.Warn("invalid thresholds, using defaults", "thresholds", opts.Thresholds)
		opts.Thresholds = DefaultThresholds
	}
	if deps.Elector == nil {
		deps.Elector = AutoElector{}
	}
	if opts.KillIgnore == nil {
		opts.KillIgnore = classifier.Builtin()
	}
	if opts.SleepIgnore == nil {
		opts.SleepIgnore = classifier.Builtin()
	}
	return &Controller{
		deps:  deps,
		opts:  opts,
		log:   logger,
		now:   time.Now,
		since: time.Now(),
	}
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Mode:             c.mode,
		Manual:           c.manual,
		Since:            c.since,
		Last:             c.last,
		NotifiedLow:      c.notifiedLow,
		NotifiedCritical: c.notifiedCritical,
		Thresholds:       c.opts.Thresholds,
	}
}

// Tick evaluates one reading and returns the delay until the next one.
func (c *Controller) Tick(ctx context.Context, r Reading) time.Duration {
	if r.At.IsZero() {
		r.At = c.now()
	}
	c.mu.Lock()
	c.last = r
	c.mu.Unlock()

	next := c.evaluate(ctx, r)
	for _, o := range c.deps.Observers {
		o.ObserveTick(r, c.Mode(), next)
	}
	return next
}

func (c *Controller) evaluate(ctx context.Context, r Reading) time.Duration {
	t := c.opts.Thresholds

	if r.Charging {
		if c.Mode() == ModeSaving {
			c.exit(ReasonCharging, r)
		}
		c.setNotified(false, false)
		return ChargingInterval
	}

	if !r.LevelKnown {
		c.log.Warn("battery level unknown, backing off", "interval", BackoffInterval)
		return BackoffInterval
	}
	level := r.Level

	c.mu.RLock()
	mode, manual := c.mode, c.manual
	notifiedLow, notifiedCritical := c.notifiedLow, c.notifiedCritical
	c.mu.RUnlock()

	// Saving started by request is left alone until charging or an exit request.
	if mode == ModeSaving && !manual && level > t.Low {
		c.exit(ReasonRecovered, r)
	}

	if level > t.Low {
		notifiedLow = false
	}
	if level > t.Critical {
		notifiedCritical = false
	}

	switch {
	case level <= t.Critical && !notifiedCritical:
		c.setNotified(true, true)
		c.prompt(ctx, r, KindCritical)
	case level <= t.Low && !notifiedLow:
		c.setNotified(true, notifiedCritical)
		c.prompt(ctx, r, KindLow)
	default:
		c.setNotified(notifiedLow, notifiedCritical)
	}

	return PollInterval(level, t)
}

func (c *Controller) setNotified(low, critical bool) {
	c.mu.Lock()
	c.notifiedLow, c.notifiedCritical = low, critical
	c.mu.Unlock()
}

func (c *Controller) prompt(ctx context.Context, r Reading, kind Kind) {
	c.log.Info("battery low, asking user", "level", r.Level, "kind", kind)
	choice := c.deps.Elector.Elect(ctx, r.Level, kind)
	c.log.Info("user answered", "choice", choice, "kind", kind)

	switch choice {
	case EnterSavingMode:
		if c.Mode() == ModeSaving {
			return
		}
		if r.Level > c.opts.Thresholds.Low {
			return
		}
		reason := ReasonLowBattery
		if kind == KindCritical {
			reason = ReasonCriticalBattery
		}
		c.enter(ctx, reason, r, false)
	case Sleep:
		if c.deps.Sleeper == nil {
			c.log.Warn("sleep requested but no sleeper configured")
			return
		}
		if err := c.deps.Sleeper.Sleep(ctx); err != nil {
			c.log.Error("sleep failed", "err", err)
		}
	}
}

// Handle applies an external request.
func (c *Controller) Handle(ctx context.Context, a Action) error {
	c.mu.RLock()
	mode, last := c.mode, c.last
	c.mu.RUnlock()

	switch a {
	case ActionEnter:
		if mode == ModeSaving {
			return ErrAlreadySaving
		}
		c.enter(ctx, ReasonRequested, last, true)
		return nil
	case ActionExit:
		if mode != ModeSaving {
			return ErrNotSaving
		}
		c.exit(ReasonRequested, last)
		return nil
	}
	return ErrUnknownAction
}

// Shutdown resumes everything and restores the screen. It is safe to call in
// any mode.
func (c *Controller) Shutdown() {
	c.mu.RLock()
	mode, last := c.mode, c.last
	c.mu.RUnlock()

	if mode == ModeSaving {
		c.exit(ReasonShutdown, last)
		return
	}
	// Nothing should be registered outside saving mode; resume anyway.
	c.deps.Engine.ResumeAll()
	c.restoreBrightness()
}

func (c *Controller) enter(ctx context.Context, reason string, r Reading, manual bool) {
	tr := Transition{From: ModeNormal, To: ModeSaving, Reason: reason, Level: r.Level, LevelKnown: r.LevelKnown, At: c.now()}

	var err error
	tr.HighCPU, err = c.deps.Engine.SuspendHighCPU(ctx, c.opts.SelfPID, c.opts.KillIgnore)
	if err != nil {
		c.log.Error("high-cpu suspension failed", "err", err)
	}
	if c.opts.SuspendDaemons {
		tr.Daemons, err = c.deps.Engine.SuspendUserDaemons(ctx, c.opts.SleepIgnore)
		if err != nil {
			c.log.Error("daemon suspension failed", "err", err)
		}
	}
	if c.deps.Brightness != nil && c.opts.DimPct > 0 {
		if err := c.deps.Brightness.Dim(c.opts.DimPct); err != nil {
			c.log.Warn("dim failed", "err", err)
		}
	}

	c.mu.Lock()
	c.mode, c.manual, c.since = ModeSaving, manual, tr.At
	c.mu.Unlock()

	c.log.Info("entered saving mode",
		"reason", reason,
		"level", r.Level,
		"high_cpu", tr.HighCPU.Succeeded,
		"daemons", tr.Daemons.Succeeded)
	c.emit(tr)
}

func (c *Controller) exit(reason string, r Reading) {
	tr := Transition{From: ModeSaving, To: ModeNormal, Reason: reason, Level: r.Level, LevelKnown: r.LevelKnown, At: c.now()}
	tr.HighCPU, tr.Daemons = c.deps.Engine.ResumeAll()
	c.restoreBrightness()

	c.mu.Lock()
	c.mode, c.manual, c.since = ModeNormal, false, tr.At
	c.mu.Unlock()

	c.log.Info("left saving mode",
		"reason", reason,
		"level", r.Level,
		"high_cpu", tr.HighCPU.Succeeded,
		"daemons", tr.Daemons.Succeeded)
	c.emit(tr)
}

func (c *Controller) restoreBrightness() {
	if c.deps.Brightness == nil {
		return
	}
	if err := c.deps.Brightness.Restore(); err != nil {
		c.log.Warn("restore brightness failed", "err", err)
	}
}

func (c *Controller) emit(tr Transition) {
	for _, o := range c.deps.Observers {
		o.ObserveTransition(tr)
	}
}
