// Package metrics exports the battery saver's state as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/saver"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/suspension"
)

// Metrics holds the daemon's Prometheus metrics. It implements
// saver.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Battery
	BatteryLevel prometheus.Gauge
	BatteryKnown prometheus.Gauge
	Charging     prometheus.Gauge
	PowerWatts   prometheus.Gauge

	// Controller
	SavingMode   prometheus.Gauge
	NextPoll     prometheus.Gauge
	Ticks        prometheus.Counter
	Transitions  *prometheus.CounterVec
	Stopped      *prometheus.GaugeVec
	SignalErrors *prometheus.CounterVec
}

// New registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		BatteryLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "battery_saver_battery_level_percent",
			Help: "Last battery charge level read",
		}),
		BatteryKnown: f.NewGauge(prometheus.GaugeOpts{
			Name: "battery_saver_battery_level_known",
			Help: "1 if the last battery read returned a level",
		}),
		Charging: f.NewGauge(prometheus.GaugeOpts{
			Name: "battery_saver_charging",
			Help: "1 while on external power",
		}),
		PowerWatts: f.NewGauge(prometheus.GaugeOpts{
			Name: "battery_saver_power_watts",
			Help: "Battery power draw",
		}),

		SavingMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "battery_saver_saving_mode",
			Help: "1 while saving mode is active",
		}),
		NextPoll: f.NewGauge(prometheus.GaugeOpts{
			Name: "battery_saver_next_poll_seconds",
			Help: "Interval until the next battery poll",
		}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "battery_saver_ticks_total",
			Help: "Total number of battery polls",
		}),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battery_saver_transitions_total",
				Help: "Mode transitions by target mode and reason",
			},
			[]string{"to", "reason"},
		),
		Stopped: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "battery_saver_stopped_processes",
				Help: "Processes currently held stopped, by registry",
			},
			[]string{"kind"},
		),
		SignalErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battery_saver_signal_failures_total",
				Help: "Processes that could not be stopped or resumed, by registry",
			},
			[]string{"kind"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveTick(r saver.Reading, mode saver.Mode, next time.Duration) {
	m.Ticks.Inc()
	m.BatteryKnown.Set(boolFloat(r.LevelKnown))
	if r.LevelKnown {
		m.BatteryLevel.Set(float64(r.Level))
	}
	m.Charging.Set(boolFloat(r.Charging))
	m.PowerWatts.Set(float64(r.PowerUW) / 1e6)
	m.SavingMode.Set(boolFloat(mode == saver.ModeSaving))
	m.NextPoll.Set(next.Seconds())
}

func (m *Metrics) ObserveTransition(t saver.Transition) {
	m.Transitions.WithLabelValues(t.To.String(), t.Reason).Inc()
	m.SavingMode.Set(boolFloat(t.To == saver.ModeSaving))

	for _, res := range []suspension.Result{t.HighCPU, t.Daemons} {
		if res.Kind == "" {
			continue
		}
		if res.Failed > 0 {
			m.SignalErrors.WithLabelValues(string(res.Kind)).Add(float64(res.Failed))
		}
		if res.DryRun {
			continue
		}
		if t.To == saver.ModeSaving {
			m.Stopped.WithLabelValues(string(res.Kind)).Set(float64(res.Succeeded))
		} else {
			m.Stopped.WithLabelValues(string(res.Kind)).Set(0)
		}
	}
}

// Serve exposes the metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
