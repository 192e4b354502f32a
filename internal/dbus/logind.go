package dbus

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	godbus "github.com/godbus/dbus/v5"
)

const (
	login1Name    = "org.freedesktop.login1"
	login1Path    = "/org/freedesktop/login1"
	login1Manager = "org.freedesktop.login1.Manager"
	login1Session = "org.freedesktop.login1.Session"

	autoSessionPath = "/org/freedesktop/login1/session/auto"
)

// Logind suspends the machine and sets backlight brightness through
// systemd-logind on the system bus.
type Logind struct {
	conn   *godbus.Conn
	dryRun bool
	log    *slog.Logger
}

// NewLogind wraps a system bus connection. With dryRun set, Sleep only logs.
func NewLogind(conn *godbus.Conn, dryRun bool, logger *slog.Logger) *Logind {
	return &Logind{conn: conn, dryRun: dryRun, log: logger}
}

// Sleep asks logind to suspend the machine. It returns once the request is
// accepted, before the machine actually sleeps.
func (l *Logind) Sleep(ctx context.Context) error {
	if l.dryRun {
		l.log.Info("dry run: would suspend the machine")
		return nil
	}
	l.log.Info("requesting suspend")
	call := l.conn.Object(login1Name, login1Path).CallWithContext(ctx, login1Manager+".Suspend", 0, false)
	if call.Err != nil {
		return fmt.Errorf("logind suspend: %w", call.Err)
	}
	return nil
}

// SetBrightness writes a backlight value through the caller's logind
// session, which does not need write access to sysfs.
func (l *Logind) SetBrightness(subsystem, device string, value uint32) error {
	call := l.conn.Object(login1Name, l.sessionPath()).Call(login1Session+".SetBrightness", 0, subsystem, device, value)
	if call.Err != nil {
		return fmt.Errorf("logind set brightness: %w", call.Err)
	}
	return nil
}

// sessionPath resolves the session owning this process, falling back to
// logind's "auto" alias when the process is not part of a session.
func (l *Logind) sessionPath() godbus.ObjectPath {
	var path godbus.ObjectPath
	err := l.conn.Object(login1Name, login1Path).
		Call(login1Manager+".GetSessionByPID", 0, uint32(os.Getpid())).
		Store(&path)
	if err == nil && path.IsValid() {
		return path
	}
	l.log.Debug("no logind session for pid, using auto", "err", err)
	return autoSessionPath
}
