package dbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/collector"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/saver"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/storage"
	"github.com/cptspacemanspiff/gnome-battery-saver/internal/suspension"
)

const (
	busName   = "org.gnome.BatterySaver"
	objPath   = "/org/gnome/BatterySaver"
	ifaceName = "org.gnome.BatterySaver"
)

// D-Bus error names returned by the service.
const (
	ErrNameAlreadySaving   = ifaceName + ".Error.AlreadySaving"
	ErrNameNotSaving       = ifaceName + ".Error.NotSaving"
	ErrNameInvalidRange    = ifaceName + ".Error.InvalidRange"
	ErrNameHistoryDisabled = ifaceName + ".Error.HistoryDisabled"
)

// maxRange bounds history queries.
const maxRange = 366 * 24 * time.Hour

// requestTimeout bounds how long a method call waits for the poll loop.
const requestTimeout = 30 * time.Second

const introspectXML = `
<node>
  <interface name="` + ifaceName + `">
    <method name="GetStatus">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetHistory">
      <arg direction="in" type="x" name="from_epoch"/>
      <arg direction="in" type="x" name="to_epoch"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetSavingEvents">
      <arg direction="in" type="x" name="from_epoch"/>
      <arg direction="in" type="x" name="to_epoch"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="EnterSavingMode"/>
    <method name="ExitSavingMode"/>
  </interface>
` + introspect.IntrospectDataString + `
</node>`

// StatusSource reports the controller state.
type StatusSource interface {
	Status() saver.Status
}

// Requester forwards mode requests to the poll loop.
type Requester interface {
	Submit(ctx context.Context, a saver.Action) error
}

// Deps are the service's collaborators. Store may be nil when history is
// disabled; BatteryInfo may be nil when there is no battery to describe.
type Deps struct {
	Status      StatusSource
	Requests    Requester
	Registry    *suspension.Registry
	Store       *storage.DB
	BatteryInfo func() (*collector.BatteryInfo, error)
	DryRun      bool
}

// Reading is the JSON form of the last battery reading.
type Reading struct {
	Level      int    `json:"level"`
	LevelKnown bool   `json:"level_known"`
	Charging   bool   `json:"charging"`
	Status     string `json:"status"`
	PowerUW    int64  `json:"power_uw"`
	At         int64  `json:"at"`
}

// Thresholds is the JSON form of the active thresholds.
type Thresholds struct {
	Low      int `json:"low"`
	Critical int `json:"critical"`
	High     int `json:"high"`
}

// StatusReport is returned by GetStatus.
type StatusReport struct {
	Mode             string                 `json:"mode"`
	Manual           bool                   `json:"manual"`
	Since            int64                  `json:"since"`
	DryRun           bool                   `json:"dry_run"`
	Last             Reading                `json:"last"`
	Thresholds       Thresholds             `json:"thresholds"`
	NotifiedLow      bool                   `json:"notified_low"`
	NotifiedCritical bool                   `json:"notified_critical"`
	Suspended        []suspension.Entry     `json:"suspended"`
	Battery          *collector.BatteryInfo `json:"battery,omitempty"`
	HealthPct        int                    `json:"health_pct,omitempty"`
}

// History is returned by GetHistory.
type History struct {
	Battery []storage.BatteryRow `json:"battery"`
}

// Service exposes the battery saver over D-Bus.
type Service struct {
	deps Deps
	log  *slog.Logger
}

// NewService creates a new D-Bus service.
func NewService(deps Deps, logger *slog.Logger) *Service {
	return &Service{deps: deps, log: logger}
}

// Export registers the service on the session bus.
func (s *Service) Export() (*godbus.Conn, error) {
	conn, err := godbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	if err := conn.Export(s, objPath, ifaceName); err != nil {
		return nil, fmt.Errorf("export service: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), objPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("name %s already taken", busName)
	}

	return conn, nil
}

// GetStatus returns the current mode, last reading and suspended processes
// as JSON.
func (s *Service) GetStatus() (string, *godbus.Error) {
	st := s.deps.Status.Status()
	report := StatusReport{
		Mode:   st.Mode.String(),
		Manual: st.Manual,
		Since:  st.Since.Unix(),
		DryRun: s.deps.DryRun,
		Last: Reading{
			Level:      st.Last.Level,
			LevelKnown: st.Last.LevelKnown,
			Charging:   st.Last.Charging,
			Status:     st.Last.Status,
			PowerUW:    st.Last.PowerUW,
			At:         unixOrZero(st.Last.At),
		},
		Thresholds: Thresholds{
			Low:      st.Thresholds.Low,
			Critical: st.Thresholds.Critical,
			High:     st.Thresholds.High,
		},
		NotifiedLow:      st.NotifiedLow,
		NotifiedCritical: st.NotifiedCritical,
		Suspended:        []suspension.Entry{},
	}
	if s.deps.Registry != nil {
		report.Suspended = append(report.Suspended, s.deps.Registry.Snapshot()...)
	}
	if s.deps.BatteryInfo != nil {
		if info, err := s.deps.BatteryInfo(); err == nil {
			report.Battery = info
			report.HealthPct = info.HealthPct()
		} else if !errors.Is(err, collector.ErrNoBattery) {
			s.log.Debug("battery info unavailable", "err", err)
		}
	}
	return marshal(report)
}

// GetHistory returns battery readings in a time range as JSON.
func (s *Service) GetHistory(fromEpoch, toEpoch int64) (string, *godbus.Error) {
	if err := validateRange(fromEpoch, toEpoch); err != nil {
		return "", err
	}
	if s.deps.Store == nil {
		return "", historyDisabled()
	}
	rows, err := s.deps.Store.BatteryRowsInRange(fromEpoch, toEpoch)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	if rows == nil {
		rows = []storage.BatteryRow{}
	}
	return marshal(History{Battery: rows})
}

// GetSavingEvents returns mode transitions in a time range as JSON.
func (s *Service) GetSavingEvents(fromEpoch, toEpoch int64) (string, *godbus.Error) {
	if err := validateRange(fromEpoch, toEpoch); err != nil {
		return "", err
	}
	if s.deps.Store == nil {
		return "", historyDisabled()
	}
	events, err := s.deps.Store.SavingEventsInRange(fromEpoch, toEpoch)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	if events == nil {
		events = []storage.SavingEvent{}
	}
	return marshal(events)
}

// EnterSavingMode forces saving mode until charging starts or
// ExitSavingMode is called.
func (s *Service) EnterSavingMode() *godbus.Error {
	return s.submit(saver.ActionEnter)
}

// ExitSavingMode leaves saving mode and resumes every stopped process.
func (s *Service) ExitSavingMode() *godbus.Error {
	return s.submit(saver.ActionExit)
}

func (s *Service) submit(a saver.Action) *godbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	s.log.Info("mode request received", "action", a)
	err := s.deps.Requests.Submit(ctx, a)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, saver.ErrAlreadySaving):
		return godbus.NewError(ErrNameAlreadySaving, []any{err.Error()})
	case errors.Is(err, saver.ErrNotSaving):
		return godbus.NewError(ErrNameNotSaving, []any{err.Error()})
	default:
		return godbus.MakeFailedError(err)
	}
}

func validateRange(from, to int64) *godbus.Error {
	switch {
	case from < 0 || to < 0:
		return invalidRange("timestamps must be non-negative")
	case to < from:
		return invalidRange("to_epoch must not be before from_epoch")
	case to-from >= int64(maxRange/time.Second):
		return invalidRange(fmt.Sprintf("range must be shorter than %d days", int(maxRange.Hours()/24)))
	}
	return nil
}

func invalidRange(msg string) *godbus.Error {
	return godbus.NewError(ErrNameInvalidRange, []any{msg})
}

func historyDisabled() *godbus.Error {
	return godbus.NewError(ErrNameHistoryDisabled, []any{"history storage is disabled"})
}

func marshal(v any) (string, *godbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
