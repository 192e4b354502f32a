// Package classifier decides which processes are protected from suspension.
package classifier

import (
	"sort"
	"strings"
)

// builtinCritical lists processes that keep the session usable: init, the
// display server and compositor, session managers, audio and network stacks.
// These are always protected, whatever the user configures.
var builtinCritical = []string{
	"systemd",
	"init",
	"Xorg",
	"Xwayland",
	"dbus-daemon",
	"dbus-broker",
	"NetworkManager",
	"wpa_supplicant",
	"dwm",
	"sddm",
	"gdm",
	"gdm-session-worker",
	"lightdm",
	"gnome-shell",
	"gnome-session-binary",
	"kwin_wayland",
	"kwin_x11",
	"plasmashell",
	"ksmserver",
	"sway",
	"Hyprland",
	"pulseaudio",
	"pipewire",
	"pipewire-pulse",
	"wireplumber",
	"fprintd",
	"polkitd",
	"upowerd",
	"ssh-agent",
	"gpg-agent",
	"gnome-keyring-daemon",
	"at-spi-bus-launcher",
	"xdg-desktop-portal",
	"xdg-document-portal",
	"xdg-permission-store",
	// Notification daemons; stopping them would hide the critical battery prompt.
	"dunst",
	"mako",
	"swaync",
	"xfce4-notifyd",
	"notification-daemon",
	"mate-notification-daemon",
	"lxqt-notificationd",
	"fnott",
}

// IgnoreSet is a set of process names compared case-insensitively.
type IgnoreSet map[string]struct{}

// NewIgnoreSet builds a set from names. Surrounding whitespace is trimmed and
// empty names are dropped.
func NewIgnoreSet(names ...string) IgnoreSet {
	s := make(IgnoreSet, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		s[strings.ToLower(n)] = struct{}{}
	}
	return s
}

// Builtin returns the built-in critical set.
func Builtin() IgnoreSet {
	return NewIgnoreSet(builtinCritical...)
}

// Merge returns the built-in critical set extended with configured names.
func Merge(configured []string) IgnoreSet {
	s := Builtin()
	for n := range NewIgnoreSet(configured...) {
		s[n] = struct{}{}
	}
	return s
}

// Contains reports whether name is in the set, ignoring case.
func (s IgnoreSet) Contains(name string) bool {
	_, ok := s[strings.ToLower(name)]
	return ok
}

// Len returns the number of names in the set.
func (s IgnoreSet) Len() int {
	return len(s)
}

// Names returns the lower-cased members in sorted order.
func (s IgnoreSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsCritical reports whether a process with the given command name must never
// be suspended. Matching is exact apart from case: "firefox-bin" is not
// protected by "firefox".
func IsCritical(name string, set IgnoreSet) bool {
	if name == "" {
		return false
	}
	return set.Contains(name)
}
