package suspension

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrNoProcess is returned when the target process no longer exists.
var ErrNoProcess = errors.New("no such process")

// UnixSignaler sends SIGSTOP and SIGCONT with kill(2).
type UnixSignaler struct{}

// Stop sends SIGSTOP to pid.
func (UnixSignaler) Stop(pid int) error {
	return kill(pid, unix.SIGSTOP)
}

// Continue sends SIGCONT to pid.
func (UnixSignaler) Continue(pid int) error {
	return kill(pid, unix.SIGCONT)
}

func kill(pid int, sig unix.Signal) error {
	// pid <= 0 would address a process group or every process we can signal.
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%s pid %d: %w", unix.SignalName(sig), pid, ErrNoProcess)
		}
		return fmt.Errorf("%s pid %d: %w", unix.SignalName(sig), pid, err)
	}
	return nil
}
