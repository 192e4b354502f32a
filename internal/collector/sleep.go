package collector

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	login1Manager      = "org.freedesktop.login1.Manager"
	prepareForSleep    = login1Manager + ".PrepareForSleep"
	prepareForShutdown = login1Manager + ".PrepareForShutdown"
)

// WakeMonitor listens for systemd-logind PrepareForSleep/PrepareForShutdown
// signals on the system bus. The battery level can change a lot while the
// machine sleeps, so the poll loop re-reads the battery as soon as it wakes
// instead of waiting out a 300s interval.
type WakeMonitor struct {
	conn *dbus.Conn
	wake chan struct{}
	log  *slog.Logger
}

// NewWakeMonitor subscribes to logind sleep signals on conn.
func NewWakeMonitor(conn *dbus.Conn, logger *slog.Logger) (*WakeMonitor, error) {
	for _, member := range []string{"PrepareForSleep", "PrepareForShutdown"} {
		err := conn.AddMatchSignal(
			dbus.WithMatchInterface(login1Manager),
			dbus.WithMatchMember(member),
		)
		if err != nil {
			return nil, err
		}
	}

	return &WakeMonitor{
		conn: conn,
		wake: make(chan struct{}, 1),
		log:  logger,
	}, nil
}

// Wake returns a channel that receives a value each time the system wakes from sleep.
func (m *WakeMonitor) Wake() <-chan struct{} {
	return m.wake
}

// Run forwards wake events until ctx is cancelled.
func (m *WakeMonitor) Run(ctx context.Context) {
	ch := make(chan *dbus.Signal, 16)
	m.conn.Signal(ch)
	defer m.conn.RemoveSignal(ch)

	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.handle(sig)
		case <-ctx.Done():
			return
		}
	}
}

func (m *WakeMonitor) handle(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 1 {
		return
	}
	active, ok := sig.Body[0].(bool)
	if !ok {
		return
	}

	switch sig.Name {
	case prepareForShutdown:
		if active {
			m.log.Info("system preparing for shutdown")
		}
	case prepareForSleep:
		if active {
			m.log.Info("system going to sleep")
			return
		}
		m.log.Info("system woke up")
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}
