package collector

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/suspension"
)

// procRoot is replaced in tests.
var procRoot = "/proc"

// minSampleGap is the shortest interval over which a CPU delta is trusted.
const minSampleGap = time.Second

// ProcessEnumerator lists processes through gopsutil and /proc/[pid]/stat.
//
// CPU usage is the delta since the previous enumeration when one exists for
// the pid, and the lifetime average (what ps shows) otherwise.
type ProcessEnumerator struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	prevCPU map[int]cpuSample
}

type cpuSample struct {
	seconds float64 // user + system
	at      time.Time
}

// NewProcessEnumerator creates a ProcessEnumerator.
func NewProcessEnumerator(logger *slog.Logger) *ProcessEnumerator {
	return &ProcessEnumerator{
		log:     logger,
		now:     time.Now,
		prevCPU: make(map[int]cpuSample),
	}
}

// Processes returns a fresh snapshot of every process. Processes that exit
// while being read are left out.
func (e *ProcessEnumerator) Processes(ctx context.Context) ([]suspension.ProcessRecord, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pids: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	current := make(map[int]cpuSample, len(pids))
	records := make([]suspension.ProcessRecord, 0, len(pids))
	var skipped int

	for _, pid32 := range pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid := int(pid32)

		st, err := readProcStat(pid)
		if err != nil {
			skipped++
			continue
		}
		p, err := process.NewProcessWithContext(ctx, pid32)
		if err != nil {
			skipped++
			continue
		}
		uid, err := effectiveUID(ctx, p)
		if err != nil {
			skipped++
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			name = st.comm
		}

		rec := suspension.ProcessRecord{
			PID:      pid,
			OwnerUID: uid,
			Name:     name,
			Terminal: ttyName(st.ttyNr),
			State:    st.state,
		}

		if times, err := p.TimesWithContext(ctx); err == nil {
			cur := cpuSample{seconds: times.User + times.System, at: now}
			current[pid] = cur
			if prev, ok := e.prevCPU[pid]; ok {
				rec.CPUPercent, ok = cpuDelta(prev, cur)
				if !ok {
					rec.CPUPercent, _ = p.CPUPercentWithContext(ctx)
				}
			} else {
				rec.CPUPercent, _ = p.CPUPercentWithContext(ctx)
			}
		}

		records = append(records, rec)
	}

	e.prevCPU = current
	e.log.Debug("enumerated processes", "count", len(records), "skipped", skipped)
	return records, nil
}

// cpuDelta returns CPU usage between two samples of the same process as a
// percentage of one core. It reports false when the samples are too close
// together, or the counter went backwards (pid reuse).
func cpuDelta(prev, cur cpuSample) (float64, bool) {
	elapsed := cur.at.Sub(prev.at)
	if elapsed < minSampleGap || cur.seconds < prev.seconds {
		return 0, false
	}
	return (cur.seconds - prev.seconds) / elapsed.Seconds() * 100, true
}

func effectiveUID(ctx context.Context, p *process.Process) (int, error) {
	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		return 0, err
	}
	switch {
	case len(uids) > 1:
		return int(uids[1]), nil
	case len(uids) == 1:
		return int(uids[0]), nil
	}
	return 0, fmt.Errorf("pid %d: no uids", p.Pid)
}

type procStat struct {
	comm  string
	state string
	ttyNr int64
}

// readProcStat parses /proc/[pid]/stat for comm, state and tty_nr.
func readProcStat(pid int) (procStat, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return procStat{}, err
	}
	return parseProcStat(pid, data)
}

func parseProcStat(pid int, data []byte) (procStat, error) {
	// comm is in parens and may contain spaces/parens, so find last ')'
	start := bytes.IndexByte(data, '(')
	end := bytes.LastIndexByte(data, ')')
	if start < 0 || end < 0 || end < start || end >= len(data)-1 {
		return procStat{}, fmt.Errorf("malformed stat for pid %d", pid)
	}

	// Fields after ')' start at state; tty_nr is the fifth.
	fields := strings.Fields(string(data[end+2:]))
	if len(fields) < 5 {
		return procStat{}, fmt.Errorf("too few fields for pid %d", pid)
	}
	tty, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return procStat{}, fmt.Errorf("parse tty_nr for pid %d: %w", pid, err)
	}

	return procStat{
		comm:  string(data[start+1 : end]),
		state: fields[0],
		ttyNr: tty,
	}, nil
}

// ttyName turns a tty_nr device number into a short terminal name, or ""
// when the process has no controlling terminal.
func ttyName(ttyNr int64) string {
	if ttyNr == 0 {
		return ""
	}
	major := (ttyNr >> 8) & 0xfff
	minor := (ttyNr & 0xff) | ((ttyNr >> 12) & 0xfff00)

	switch {
	case major >= 136 && major <= 143:
		return fmt.Sprintf("pts/%d", (major-136)*256+minor)
	case major == 4 && minor < 64:
		return fmt.Sprintf("tty%d", minor)
	case major == 4:
		return fmt.Sprintf("ttyS%d", minor-64)
	}
	return fmt.Sprintf("tty(%d:%d)", major, minor)
}
