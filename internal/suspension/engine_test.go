package suspension

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cptspacemanspiff/gnome-battery-saver/internal/classifier"
)

const (
	testUID  = 1000
	otherUID = 1001
	selfPID  = 999
)

type fakeEnumerator struct {
	procs []ProcessRecord
	err   error
	calls int
}

func (f *fakeEnumerator) Processes(context.Context) ([]ProcessRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.procs, nil
}

type fakeSignaler struct {
	stopped   []int
	continued []int
	stopErr   map[int]error
	contErr   map[int]error
}

func (f *fakeSignaler) Stop(pid int) error {
	if err := f.stopErr[pid]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, pid)
	return nil
}

func (f *fakeSignaler) Continue(pid int) error {
	if err := f.contErr[pid]; err != nil {
		return err
	}
	f.continued = append(f.continued, pid)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(procs []ProcessRecord, opts Options) (*Engine, *fakeEnumerator, *fakeSignaler) {
	enum := &fakeEnumerator{procs: procs}
	sig := &fakeSignaler{stopErr: map[int]error{}, contErr: map[int]error{}}
	if opts.UID == 0 {
		opts.UID = testUID
	}
	if opts.SelfPID == 0 {
		opts.SelfPID = selfPID
	}
	return NewEngine(enum, sig, opts, discardLogger()), enum, sig
}

func TestSuspendHighCPU_ExcludesRootBelowThresholdAndCritical(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 10, OwnerUID: 0, Name: "stress", CPUPercent: 5},
		{PID: 11, OwnerUID: testUID, Name: "editor", CPUPercent: 0.5},
		{PID: 12, OwnerUID: testUID, Name: "dwm", CPUPercent: 3},
	}
	e, _, sig := newTestEngine(procs, Options{CPUThresholdPct: 1.0})

	res, err := e.SuspendHighCPU(context.Background(), selfPID, classifier.Merge(nil))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Succeeded)
	assert.Empty(t, sig.stopped)
	assert.Equal(t, 0, e.Registry().Total())
}

func TestSuspendHighCPU_NeverStopsRootRegardlessOfCPU(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 20, OwnerUID: 0, Name: "kworker", CPUPercent: 99},
		{PID: 21, OwnerUID: 0, Name: "updatedb", CPUPercent: 400},
	}
	e, _, sig := newTestEngine(procs, Options{})

	res, err := e.SuspendHighCPU(context.Background(), selfPID, classifier.Merge(nil))
	require.NoError(t, err)

	assert.Zero(t, res.Succeeded)
	assert.Empty(t, sig.stopped)
}

func TestSuspendHighCPU_BuiltinCriticalProtectedWithoutConfig(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 30, OwnerUID: testUID, Name: "gnome-shell", CPUPercent: 40},
		{PID: 31, OwnerUID: testUID, Name: "PipeWire", CPUPercent: 12},
		{PID: 32, OwnerUID: testUID, Name: "chrome", CPUPercent: 25},
	}
	e, _, sig := newTestEngine(procs, Options{})

	res, err := e.SuspendHighCPU(context.Background(), selfPID, classifier.Merge([]string{"slack"}))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []int{32}, sig.stopped)
}

func TestSuspendHighCPU_ExcludesCurrentPIDAndIncludesThreshold(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 40, OwnerUID: testUID, Name: "battery-saver", CPUPercent: 50},
		{PID: 41, OwnerUID: testUID, Name: "make", CPUPercent: 1.0},
	}
	e, _, sig := newTestEngine(procs, Options{CPUThresholdPct: 1.0})

	_, err := e.SuspendHighCPU(context.Background(), 40, classifier.Merge(nil))
	require.NoError(t, err)

	assert.Equal(t, []int{41}, sig.stopped)
	assert.True(t, e.Registry().Contains(41))
	assert.False(t, e.Registry().Contains(40))
}

func TestSuspendThenResume_EmptiesRegistry(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 50, OwnerUID: testUID, Name: "chrome", CPUPercent: 30},
		{PID: 51, OwnerUID: testUID, Name: "node", CPUPercent: 8},
		{PID: 60, OwnerUID: testUID, Name: "syncthing", CPUPercent: 0},
		{PID: 61, OwnerUID: testUID, Name: "bash", CPUPercent: 0, Terminal: "pts/0"},
	}
	e, _, sig := newTestEngine(procs, Options{})
	ignore := classifier.Merge(nil)

	hc, err := e.SuspendHighCPU(context.Background(), selfPID, ignore)
	require.NoError(t, err)
	dm, err := e.SuspendUserDaemons(context.Background(), ignore)
	require.NoError(t, err)

	assert.Equal(t, 2, hc.Succeeded)
	assert.Equal(t, 1, dm.Succeeded)
	assert.Equal(t, 2, e.Registry().Len(KindHighCPU))
	assert.Equal(t, 1, e.Registry().Len(KindDaemon))

	e.ResumeHighCPU()
	assert.Zero(t, e.Registry().Len(KindHighCPU))
	e.ResumeUserDaemons()
	assert.Zero(t, e.Registry().Len(KindDaemon))

	assert.ElementsMatch(t, sig.stopped, sig.continued)
}

func TestResume_IdempotentSecondCallSendsNothing(t *testing.T) {
	procs := []ProcessRecord{{PID: 70, OwnerUID: testUID, Name: "chrome", CPUPercent: 30}}
	e, _, sig := newTestEngine(procs, Options{})

	_, err := e.SuspendHighCPU(context.Background(), selfPID, classifier.Merge(nil))
	require.NoError(t, err)

	first := e.ResumeHighCPU()
	assert.Equal(t, 1, first.Succeeded)
	require.Len(t, sig.continued, 1)

	second := e.ResumeHighCPU()
	assert.Zero(t, second.Succeeded)
	assert.Len(t, sig.continued, 1)

	e.ResumeUserDaemons()
	e.ResumeUserDaemons()
	assert.Len(t, sig.continued, 1)
}

func TestSuspend_StopFailureIsNotRegistered(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 80, OwnerUID: testUID, Name: "chrome", CPUPercent: 30},
		{PID: 81, OwnerUID: testUID, Name: "java", CPUPercent: 30},
	}
	e, _, sig := newTestEngine(procs, Options{})
	sig.stopErr[80] = errors.New("operation not permitted")

	res, err := e.SuspendHighCPU(context.Background(), selfPID, classifier.Merge(nil))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, e.Registry().Contains(80))
	assert.True(t, e.Registry().Contains(81))

	e.ResumeHighCPU()
	assert.Equal(t, []int{81}, sig.continued)
}

func TestResume_ClearsRegistryEvenWhenContinueFails(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 90, OwnerUID: testUID, Name: "chrome", CPUPercent: 30},
		{PID: 91, OwnerUID: testUID, Name: "java", CPUPercent: 30},
	}
	e, _, sig := newTestEngine(procs, Options{})
	_, err := e.SuspendHighCPU(context.Background(), selfPID, classifier.Merge(nil))
	require.NoError(t, err)

	sig.contErr[90] = ErrNoProcess
	res := e.ResumeHighCPU()

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, e.Registry().Total())
	assert.Equal(t, []int{91}, sig.continued)
}

func TestSuspend_EnumerationFailureLeavesRegistryUntouched(t *testing.T) {
	procs := []ProcessRecord{{PID: 100, OwnerUID: testUID, Name: "chrome", CPUPercent: 30}}
	e, enum, sig := newTestEngine(procs, Options{})
	_, err := e.SuspendHighCPU(context.Background(), selfPID, classifier.Merge(nil))
	require.NoError(t, err)

	enum.err = errors.New("open /proc: permission denied")
	_, err = e.SuspendHighCPU(context.Background(), selfPID, classifier.Merge(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnumerate)

	_, err = e.SuspendUserDaemons(context.Background(), classifier.Merge(nil))
	assert.ErrorIs(t, err, ErrEnumerate)

	assert.True(t, e.Registry().Contains(100))
	assert.Equal(t, []int{100}, sig.stopped)
}

func TestSuspend_DryRunSendsNothing(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 110, OwnerUID: testUID, Name: "chrome", CPUPercent: 30},
		{PID: 111, OwnerUID: testUID, Name: "syncthing"},
	}
	e, _, sig := newTestEngine(procs, Options{DryRun: true})
	ignore := classifier.Merge(nil)

	hc, err := e.SuspendHighCPU(context.Background(), selfPID, ignore)
	require.NoError(t, err)
	dm, err := e.SuspendUserDaemons(context.Background(), ignore)
	require.NoError(t, err)

	assert.True(t, hc.DryRun)
	assert.Equal(t, 1, hc.Succeeded)
	// chrome is tty-less too but was already counted by the high-cpu pass.
	assert.Equal(t, 1, dm.Succeeded)
	assert.Equal(t, 1, dm.Skipped)
	assert.Empty(t, sig.stopped)
	assert.Zero(t, e.Registry().Total())

	e.ResumeAll()
	assert.Empty(t, sig.continued)
}

func TestSuspend_DryRunCountsMatchRealRun(t *testing.T) {
	procs := []ProcessRecord{{PID: 70, OwnerUID: testUID, Name: "syncthing", CPUPercent: 30}}
	ignore := classifier.Merge(nil)

	pass := func(dryRun bool) (hc, dm Result, e *Engine) {
		e, _, _ = newTestEngine(procs, Options{DryRun: dryRun})
		var err error
		hc, err = e.SuspendHighCPU(context.Background(), selfPID, ignore)
		require.NoError(t, err)
		dm, err = e.SuspendUserDaemons(context.Background(), ignore)
		require.NoError(t, err)
		return hc, dm, e
	}

	realHC, realDM, _ := pass(false)
	dryHC, dryDM, e := pass(true)

	assert.Equal(t, realHC.Succeeded, dryHC.Succeeded)
	assert.Equal(t, realDM.Succeeded, dryDM.Succeeded)
	assert.Equal(t, 1, dryHC.Succeeded)
	assert.Zero(t, dryDM.Succeeded)

	// After a resume the dry run counts the process again.
	e.ResumeAll()
	hc, err := e.SuspendHighCPU(context.Background(), selfPID, ignore)
	require.NoError(t, err)
	assert.Equal(t, 1, hc.Succeeded)
}

func TestSuspendUserDaemons_SelectsOwnTTYLessProcesses(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 120, OwnerUID: testUID, Name: "syncthing"},
		{PID: 121, OwnerUID: testUID, Name: "vim", Terminal: "pts/1"},
		{PID: 122, OwnerUID: otherUID, Name: "syncthing"},
		{PID: 123, OwnerUID: 0, Name: "cron"},
		{PID: selfPID, OwnerUID: testUID, Name: "battery-saver"},
		{PID: 124, OwnerUID: testUID, Name: "pipewire"},
		{PID: 125, OwnerUID: testUID, Name: "dropbox"},
		{PID: 126, OwnerUID: testUID, Name: "stopped-job", State: "T"},
		{PID: 127, OwnerUID: testUID, Name: "defunct", State: "Z"},
	}
	e, _, sig := newTestEngine(procs, Options{})

	res, err := e.SuspendUserDaemons(context.Background(), classifier.Merge([]string{"Dropbox"}))
	require.NoError(t, err)

	assert.Equal(t, []int{120}, sig.stopped)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, e.Registry().Len(KindDaemon))
}

func TestSuspendUserDaemons_RefusesAsRoot(t *testing.T) {
	procs := []ProcessRecord{{PID: 130, OwnerUID: 0, Name: "sshd"}}
	enum := &fakeEnumerator{procs: procs}
	sig := &fakeSignaler{}
	e := NewEngine(enum, sig, Options{UID: 0, SelfPID: selfPID}, discardLogger())

	res, err := e.SuspendUserDaemons(context.Background(), classifier.Merge(nil))
	require.NoError(t, err)

	assert.Zero(t, res.Succeeded)
	assert.Zero(t, enum.calls)
	assert.Empty(t, sig.stopped)
}

func TestSuspend_PIDNeverInBothRegistries(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 140, OwnerUID: testUID, Name: "indexer", CPUPercent: 60},
		{PID: 141, OwnerUID: testUID, Name: "syncthing"},
	}
	e, _, sig := newTestEngine(procs, Options{})
	ignore := classifier.Merge(nil)

	_, err := e.SuspendHighCPU(context.Background(), selfPID, ignore)
	require.NoError(t, err)
	dm, err := e.SuspendUserDaemons(context.Background(), ignore)
	require.NoError(t, err)

	assert.Equal(t, 1, dm.Succeeded)
	assert.Equal(t, 1, dm.Skipped)
	assert.Equal(t, []int{140, 141}, sig.stopped)

	// A second entry pass does not stop anything twice.
	_, err = e.SuspendHighCPU(context.Background(), selfPID, ignore)
	require.NoError(t, err)
	assert.Len(t, sig.stopped, 2)

	snap := e.Registry().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, Entry{PID: 140, Name: "indexer", Kind: KindHighCPU, SuspendedAt: snap[0].SuspendedAt}, snap[0])
	assert.Equal(t, KindDaemon, snap[1].Kind)
}
