package dbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	godbus "github.com/godbus/dbus/v5"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/saver"
)

const (
	notifyName  = "org.freedesktop.Notifications"
	notifyPath  = "/org/freedesktop/Notifications"
	notifyIface = "org.freedesktop.Notifications"

	actionInvoked      = notifyIface + ".ActionInvoked"
	notificationClosed = notifyIface + ".NotificationClosed"
)

// Notification action keys.
const (
	actionOK     = "ok"
	actionSaving = "saving"
	actionSleep  = "sleep"
)

const (
	chargePollInterval = time.Second
	// maxCallTimeout bounds every call to the notification server, which may
	// be a stopped process.
	maxCallTimeout = 25 * time.Second
)

// Notifier asks the user what to do about a low battery through the desktop
// notification server. It implements saver.Elector.
type Notifier struct {
	conn     *godbus.Conn
	timeout  time.Duration
	charging func() bool
	poll     time.Duration
	log      *slog.Logger
}

// NewNotifier creates a notifier on conn. charging is polled while waiting
// for an answer; the prompt is withdrawn once it reports true.
func NewNotifier(conn *godbus.Conn, timeout time.Duration, charging func() bool, logger *slog.Logger) *Notifier {
	return &Notifier{
		conn:     conn,
		timeout:  timeout,
		charging: charging,
		poll:     chargePollInterval,
		log:      logger,
	}
}

// Elect shows the prompt and blocks until the user answers, the prompt is
// dismissed or times out, charging starts, or ctx is cancelled. Anything
// other than an explicit choice is Acknowledge.
func (n *Notifier) Elect(ctx context.Context, level int, kind saver.Kind) saver.Choice {
	signals := make(chan *godbus.Signal, 16)
	n.conn.Signal(signals)
	defer n.conn.RemoveSignal(signals)

	match := []godbus.MatchOption{
		godbus.WithMatchInterface(notifyIface),
		godbus.WithMatchObjectPath(notifyPath),
	}
	if err := n.conn.AddMatchSignalContext(ctx, match...); err != nil {
		n.log.Warn("subscribe to notification signals", "err", err)
		return saver.Acknowledge
	}
	defer n.conn.RemoveMatchSignal(match...)

	id, err := n.notify(ctx, level, kind)
	if err != nil {
		n.log.Warn("show notification", "err", err)
		return saver.Acknowledge
	}
	n.log.Info("notification shown", "id", id, "kind", kind, "level", level)

	choice, open := n.wait(ctx, id, signals)
	if open {
		n.close(context.WithoutCancel(ctx), id)
	}
	n.log.Info("notification answered", "id", id, "choice", choice)
	return choice
}

func (n *Notifier) notify(ctx context.Context, level int, kind saver.Kind) (uint32, error) {
	summary := "Battery low"
	urgency := byte(1)
	actions := []string{actionOK, "OK", actionSaving, "Enter saving mode"}
	if kind == saver.KindCritical {
		summary = "Battery critically low"
		urgency = 2
		actions = append(actions, actionSleep, "Sleep now")
	}
	body := fmt.Sprintf("%d%% remaining. Saving mode pauses background and CPU-heavy processes until you plug in.", level)
	hints := map[string]godbus.Variant{
		"urgency":       godbus.MakeVariant(urgency),
		"desktop-entry": godbus.MakeVariant("battery-saver"),
		"resident":      godbus.MakeVariant(true),
	}

	ctx, cancel := context.WithTimeout(ctx, n.callTimeout())
	defer cancel()

	var id uint32
	err := n.conn.Object(notifyName, notifyPath).CallWithContext(ctx, notifyIface+".Notify", 0,
		"Battery Saver", uint32(0), "battery-caution", summary, body, actions, hints, int32(0),
	).Store(&id)
	return id, err
}

// wait returns the choice and whether the notification is still open.
func (n *Notifier) wait(ctx context.Context, id uint32, signals <-chan *godbus.Signal) (saver.Choice, bool) {
	timeout := time.NewTimer(n.timeout)
	defer timeout.Stop()
	poll := time.NewTicker(n.poll)
	defer poll.Stop()

	for {
		select {
		case sig := <-signals:
			if choice, done := answer(sig, id); done {
				return choice, sig.Name != notificationClosed
			}
		case <-poll.C:
			if n.charging != nil && n.charging() {
				n.log.Info("charging started, withdrawing notification", "id", id)
				return saver.Acknowledge, true
			}
		case <-timeout.C:
			n.log.Info("notification timed out", "id", id)
			return saver.Acknowledge, true
		case <-ctx.Done():
			return saver.Acknowledge, true
		}
	}
}

// answer maps a notification signal for id to a choice.
func answer(sig *godbus.Signal, id uint32) (saver.Choice, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return saver.Acknowledge, false
	}
	if sigID, ok := sig.Body[0].(uint32); !ok || sigID != id {
		return saver.Acknowledge, false
	}
	switch sig.Name {
	case actionInvoked:
		key, _ := sig.Body[1].(string)
		switch key {
		case actionSaving:
			return saver.EnterSavingMode, true
		case actionSleep:
			return saver.Sleep, true
		}
		return saver.Acknowledge, true
	case notificationClosed:
		return saver.Acknowledge, true
	}
	return saver.Acknowledge, false
}

// callTimeout is the prompt timeout capped at maxCallTimeout.
func (n *Notifier) callTimeout() time.Duration {
	if n.timeout <= 0 {
		return maxCallTimeout
	}
	return min(n.timeout, maxCallTimeout)
}

func (n *Notifier) close(ctx context.Context, id uint32) {
	ctx, cancel := context.WithTimeout(ctx, n.callTimeout())
	defer cancel()

	call := n.conn.Object(notifyName, notifyPath).CallWithContext(ctx, notifyIface+".CloseNotification", 0, id)
	if call.Err != nil {
		n.log.Debug("close notification", "id", id, "err", call.Err)
	}
}
