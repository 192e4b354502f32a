package dbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	godbus "github.com/godbus/dbus/v5"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/saver"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/storage"
)

// ErrNotRunning is returned when no daemon owns the bus name.
var ErrNotRunning = errors.New("battery-saver daemon is not running")

// Client talks to a running daemon.
type Client struct {
	conn *godbus.Conn
	obj  godbus.BusObject
}

// NewClient connects to the daemon on the session bus.
func NewClient() (*Client, error) {
	conn, err := godbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &Client{conn: conn, obj: conn.Object(busName, objPath)}, nil
}

// Status returns the daemon's current status.
func (c *Client) Status(ctx context.Context) (*StatusReport, error) {
	var jsonStr string
	if err := c.obj.CallWithContext(ctx, ifaceName+".GetStatus", 0).Store(&jsonStr); err != nil {
		return nil, mapError(err)
	}
	var report StatusReport
	if err := json.Unmarshal([]byte(jsonStr), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// History returns battery readings between from and to.
func (c *Client) History(ctx context.Context, from, to time.Time) (*History, error) {
	var jsonStr string
	err := c.obj.CallWithContext(ctx, ifaceName+".GetHistory", 0, from.Unix(), to.Unix()).Store(&jsonStr)
	if err != nil {
		return nil, mapError(err)
	}
	var data History
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// SavingEvents returns mode transitions between from and to.
func (c *Client) SavingEvents(ctx context.Context, from, to time.Time) ([]storage.SavingEvent, error) {
	var jsonStr string
	err := c.obj.CallWithContext(ctx, ifaceName+".GetSavingEvents", 0, from.Unix(), to.Unix()).Store(&jsonStr)
	if err != nil {
		return nil, mapError(err)
	}
	var events []storage.SavingEvent
	if err := json.Unmarshal([]byte(jsonStr), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// EnterSavingMode asks the daemon to enter saving mode.
func (c *Client) EnterSavingMode(ctx context.Context) error {
	return mapError(c.obj.CallWithContext(ctx, ifaceName+".EnterSavingMode", 0).Err)
}

// ExitSavingMode asks the daemon to leave saving mode.
func (c *Client) ExitSavingMode(ctx context.Context) error {
	return mapError(c.obj.CallWithContext(ctx, ifaceName+".ExitSavingMode", 0).Err)
}

// Close closes the bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// mapError turns the service's named errors back into saver sentinels.
func mapError(err error) error {
	var dbusErr godbus.Error
	if !errors.As(err, &dbusErr) {
		return err
	}
	switch dbusErr.Name {
	case ErrNameAlreadySaving:
		return saver.ErrAlreadySaving
	case ErrNameNotSaving:
		return saver.ErrNotSaving
	case "org.freedesktop.DBus.Error.ServiceUnknown", "org.freedesktop.DBus.Error.NameHasNoOwner":
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	return err
}
