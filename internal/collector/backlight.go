package collector

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CollectBacklight reads backlight brightness from /sys/class/backlight/*.
func CollectBacklight() (*BacklightSample, error) {
	dir, err := backlightDir()
	if err != nil {
		return nil, err
	}

	brightness, err := readIntFile(filepath.Join(dir, "brightness"))
	if err != nil {
		return nil, fmt.Errorf("read brightness: %w", err)
	}
	maxBrightness, err := readIntFile(filepath.Join(dir, "max_brightness"))
	if err != nil {
		return nil, fmt.Errorf("read max_brightness: %w", err)
	}

	return &BacklightSample{
		Timestamp:     time.Now().Unix(),
		Device:        filepath.Base(dir),
		Brightness:    brightness,
		MaxBrightness: maxBrightness,
	}, nil
}

// BrightnessSetter writes a backlight value through a privileged service.
// logind's Session.SetBrightness lets an unprivileged session owner do this.
type BrightnessSetter interface {
	SetBrightness(subsystem, device string, value uint32) error
}

// Backlight lowers the display brightness while saving and puts it back
// afterwards.
type Backlight struct {
	fallback BrightnessSetter
	log      *slog.Logger

	mu    sync.Mutex
	saved *BacklightSample
}

// NewBacklight creates a Backlight. fallback may be nil.
func NewBacklight(fallback BrightnessSetter, logger *slog.Logger) *Backlight {
	return &Backlight{fallback: fallback, log: logger}
}

// Dim sets the brightness to pct percent of maximum, remembering the current
// value for Restore. It never raises the brightness.
func (b *Backlight) Dim(pct int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, err := CollectBacklight()
	if err != nil {
		return err
	}
	target := cur.MaxBrightness * int64(min(max(pct, 1), 100)) / 100
	if target >= cur.Brightness {
		b.log.Debug("backlight already dim", "device", cur.Device, "brightness", cur.Brightness, "target", target)
		return nil
	}

	if err := b.write(cur.Device, target); err != nil {
		return err
	}
	if b.saved == nil {
		b.saved = cur
	}
	b.log.Info("backlight dimmed", "device", cur.Device, "from", cur.Brightness, "to", target)
	return nil
}

// Restore writes back the brightness saved by the first Dim. Without a
// saved value it does nothing.
func (b *Backlight) Restore() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.saved == nil {
		return nil
	}
	saved := b.saved
	b.saved = nil
	if err := b.write(saved.Device, saved.Brightness); err != nil {
		return err
	}
	b.log.Info("backlight restored", "device", saved.Device, "brightness", saved.Brightness)
	return nil
}

func (b *Backlight) write(device string, value int64) error {
	path := filepath.Join(sysfsRoot, "class/backlight", device, "brightness")
	err := os.WriteFile(path, []byte(strconv.FormatInt(value, 10)), 0o644)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrPermission) || b.fallback == nil {
		return fmt.Errorf("write brightness: %w", err)
	}
	b.log.Debug("sysfs backlight not writable, using logind", "device", device)
	if err := b.fallback.SetBrightness("backlight", device, uint32(value)); err != nil {
		return fmt.Errorf("set brightness via logind: %w", err)
	}
	return nil
}

func backlightDir() (string, error) {
	matches, err := filepath.Glob(filepath.Join(sysfsRoot, "class/backlight/*"))
	if err != nil {
		return "", fmt.Errorf("glob backlight: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no backlight found")
	}
	return matches[0], nil
}

func readIntFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
