package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/classifier"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/collector"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/config"
	dbussvc "github.com/cptspacemanspiff/gnome-battery-saver/internal/dbus"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/metrics"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/saver"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/storage"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/suspension"
)

var errDaemonStarting = errors.New("daemon is starting")

var (
	flagResetDB bool
	flagDryRun  bool
)

func init() {
	runCmd.Flags().BoolVar(&flagResetDB, "reset-db", false, "delete the history database and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "log what would be stopped without sending signals")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the battery saver daemon",
	Long: `Runs the poll loop in the foreground until SIGINT or SIGTERM. On the way
out every process the daemon stopped is resumed and the screen brightness is
restored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(os.Stderr, flagVerbose, flagLog)
		cfg := config.LoadOrDefault(flagConfig, logger.With("topic", "config"))
		if flagDryRun {
			cfg.Saving.DryRun = true
		}

		if flagResetDB {
			if cfg.Storage.DBPath == "" {
				return errors.New("history is disabled, nothing to reset")
			}
			if err := storage.Remove(cfg.Storage.DBPath); err != nil {
				return fmt.Errorf("delete database: %w", err)
			}
			logger.Info("database deleted", "path", cfg.Storage.DBPath)
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, cfg, logger)
	},
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	batteryLog := logger.With("topic", "battery")
	backlightLog := logger.With("topic", "backlight")
	processLog := logger.With("topic", "process")
	savingLog := logger.With("topic", "saving")
	notifyLog := logger.With("topic", "notify")
	sleepLog := logger.With("topic", "sleep")
	dbusLog := logger.With("topic", "dbus")
	storageLog := logger.With("topic", "storage")
	metricsLog := logger.With("topic", "metrics")

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine := suspension.NewEngine(
		collector.NewProcessEnumerator(processLog),
		suspension.UnixSignaler{},
		suspension.Options{
			UID:             os.Getuid(),
			SelfPID:         os.Getpid(),
			CPUThresholdPct: cfg.Saving.CPUThresholdPct,
			DryRun:          cfg.Saving.DryRun,
		},
		processLog,
	)

	deps := saver.Deps{Engine: engine, Elector: saver.AutoElector{}}

	// History
	var store *storage.DB
	if cfg.Storage.DBPath != "" {
		var err error
		store, err = storage.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		deps.Observers = append(deps.Observers, storage.NewRecorder(store, storageLog))

		retention := time.Duration(cfg.Cleanup.RetentionDays) * 24 * time.Hour
		interval := time.Duration(cfg.Cleanup.IntervalHours) * time.Hour
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.RunCleanup(ctx, retention, interval, storageLog)
		}()
	} else {
		logger.Info("history disabled")
	}

	if addr := cfg.Metrics.ListenAddress; addr != "" {
		m := metrics.New()
		deps.Observers = append(deps.Observers, m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Serve(ctx, addr, metricsLog); err != nil {
				metricsLog.Error("metrics endpoint stopped", "err", err)
			}
		}()
	}

	// logind: sleep, brightness fallback, wake events
	var wake <-chan struct{}
	var brightnessFallback collector.BrightnessSetter
	if sysConn, err := godbus.SystemBus(); err != nil {
		logger.Warn("system bus unavailable, sleep and wake detection disabled", "err", err)
	} else {
		logind := dbussvc.NewLogind(sysConn, cfg.Saving.DryRun, sleepLog)
		deps.Sleeper = logind
		brightnessFallback = logind

		if mon, err := collector.NewWakeMonitor(sysConn, sleepLog); err != nil {
			logger.Warn("sleep monitor unavailable", "err", err)
		} else {
			wake = mon.Wake()
			wg.Add(1)
			go func() {
				defer wg.Done()
				mon.Run(ctx)
			}()
		}
	}

	switch {
	case cfg.Saving.DryRun:
		logger.Info("dry run: brightness will not be changed")
	case cfg.Saving.BrightnessPct > 0:
		deps.Brightness = collector.NewBacklight(brightnessFallback, backlightLog)
	}

	sensor := batterySensor{
		read:     collector.CollectBattery,
		acOnline: collector.ACOnline,
		log:      batteryLog,
	}

	// The notifier shares the service's session bus connection, so the
	// service is exported before the controller and loop exist.
	handle := &daemonHandle{}
	svc := dbussvc.NewService(dbussvc.Deps{
		Status:      handle,
		Requests:    handle,
		Registry:    engine.Registry(),
		Store:       store,
		BatteryInfo: collector.CollectBatteryInfo,
		DryRun:      cfg.Saving.DryRun,
	}, dbusLog)

	sessionConn, err := svc.Export()
	if err != nil {
		logger.Warn("D-Bus service unavailable", "err", err)
	} else {
		defer sessionConn.Close()
		logger.Info("D-Bus service registered", "name", "org.gnome.BatterySaver")
	}

	switch {
	case cfg.Saving.AutoEnter:
		logger.Info("auto_enter set, low battery enters saving mode without asking")
	case !cfg.Notify.Enabled:
		logger.Info("notifications disabled, low battery enters saving mode without asking")
	case sessionConn == nil:
		logger.Warn("no session bus for notifications, low battery enters saving mode without asking")
	default:
		timeout := time.Duration(cfg.Notify.TimeoutSeconds) * time.Second
		deps.Elector = dbussvc.NewNotifier(sessionConn, timeout, collector.ACOnline, notifyLog)
	}

	ctrl := saver.NewController(deps, saver.Options{
		Thresholds: saver.Thresholds{
			Low:      cfg.ThresholdLow,
			Critical: cfg.ThresholdCritical,
			High:     cfg.ThresholdHigh,
		},
		KillIgnore:     classifier.Merge(cfg.IgnoreForKill),
		SleepIgnore:    classifier.Merge(cfg.IgnoreForSleep),
		SelfPID:        os.Getpid(),
		SuspendDaemons: cfg.Saving.SuspendUserDaemons,
		DimPct:         cfg.Saving.BrightnessPct,
	}, savingLog)

	loop := saver.NewLoop(ctrl, sensor, wake, savingLog)
	handle.attach(ctrl, loop)

	logger.Info("battery-saver started",
		"low", cfg.ThresholdLow,
		"critical", cfg.ThresholdCritical,
		"high", cfg.ThresholdHigh,
		"dry_run", cfg.Saving.DryRun)
	err = loop.Run(ctx)
	cancel()
	wg.Wait()
	logger.Info("battery-saver stopped")
	return err
}

// daemonHandle lets the D-Bus service reach a controller and loop that are
// attached after it is exported.
type daemonHandle struct {
	mu   sync.RWMutex
	ctrl *saver.Controller
	loop *saver.Loop
}

func (h *daemonHandle) attach(ctrl *saver.Controller, loop *saver.Loop) {
	h.mu.Lock()
	h.ctrl, h.loop = ctrl, loop
	h.mu.Unlock()
}

func (h *daemonHandle) Status() saver.Status {
	h.mu.RLock()
	ctrl := h.ctrl
	h.mu.RUnlock()
	if ctrl == nil {
		return saver.Status{Mode: saver.ModeNormal}
	}
	return ctrl.Status()
}

func (h *daemonHandle) Submit(ctx context.Context, a saver.Action) error {
	h.mu.RLock()
	loop := h.loop
	h.mu.RUnlock()
	if loop == nil {
		return errDaemonStarting
	}
	return loop.Submit(ctx, a)
}
