package placement

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/gammadia/hermes/lockfile"
	"github.com/gammadia/hermes/machine"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, line string) machine.Machine {
	t.Helper()
	machines := lo.Must(machine.Parse(strings.NewReader(line)))
	require.Len(t, machines, 1)
	return machines[0]
}

// holdSlot takes a slot lock on behalf of "another dispatcher" and keeps it
// held for the duration of the test.
func holdSlot(t *testing.T, stateDir string, m machine.Machine, slot int) {
	t.Helper()
	l, err := lockfile.Open(filepath.Join(stateDir, m.SlotFileName(slot)))
	require.NoError(t, err)
	ok, err := l.TryExclusive()
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { _ = l.Release() })
}

func TestDeclineNoMatchingPlatform(t *testing.T) {
	m := mustParse(t, "host1 x86_64-linux /k 2 1")
	engine := New(t.TempDir(), "x86_64-linux", []machine.Machine{m})

	p, verdict, err := engine.Place(Request{
		AmWilling:    true,
		NeededSystem: "aarch64-linux",
		DrvPath:      "/nix/store/abc-x.drv",
	})
	require.NoError(t, err)
	assert.Equal(t, Decline, verdict)
	assert.Nil(t, p)
}

func TestPostponeAllBusy(t *testing.T) {
	stateDir := t.TempDir()
	m := mustParse(t, "host1 x86_64-linux /k 2 1")
	holdSlot(t, stateDir, m, 0)
	holdSlot(t, stateDir, m, 1)

	engine := New(stateDir, "aarch64-linux", []machine.Machine{m})
	p, verdict, err := engine.Place(Request{
		AmWilling:    true,
		NeededSystem: "x86_64-linux",
		DrvPath:      "/nix/store/abc-x.drv",
	})
	require.NoError(t, err)
	assert.Equal(t, Postpone, verdict)
	assert.Nil(t, p)
}

func TestDeclineAllBusyButWillingLocally(t *testing.T) {
	stateDir := t.TempDir()
	m := mustParse(t, "host1 x86_64-linux /k 1 1")
	holdSlot(t, stateDir, m, 0)

	// The parent can build x86_64-linux locally and is willing to: busy
	// machines collapse to a decline rather than a postpone.
	engine := New(stateDir, "x86_64-linux", []machine.Machine{m})
	_, verdict, err := engine.Place(Request{
		AmWilling:    true,
		NeededSystem: "x86_64-linux",
		DrvPath:      "/nix/store/abc-x.drv",
	})
	require.NoError(t, err)
	assert.Equal(t, Decline, verdict)
}

func TestAcceptSingleCandidate(t *testing.T) {
	stateDir := t.TempDir()
	m := mustParse(t, "host1 x86_64-linux /k 4 2 big,kvm")
	engine := New(stateDir, "x86_64-linux", []machine.Machine{m})

	p, verdict, err := engine.Place(Request{
		NeededSystem:     "x86_64-linux",
		DrvPath:          "/nix/store/abc-x.drv",
		RequiredFeatures: []string{"big", "kvm"},
	})
	require.NoError(t, err)
	require.Equal(t, Accepted, verdict)
	assert.Equal(t, "host1", p.Machine.Host)
	assert.Equal(t, 0, p.Slot)

	// The slot must actually be held
	probe, err := lockfile.Open(filepath.Join(stateDir, m.SlotFileName(0)))
	require.NoError(t, err)
	busy, err := probe.Probe()
	require.NoError(t, err)
	assert.True(t, busy)

	require.NoError(t, p.Release())
	busy, err = probe.Probe()
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestAcceptSkipsHeldSlots(t *testing.T) {
	stateDir := t.TempDir()
	m := mustParse(t, "host1 x86_64-linux /k 4 1")
	holdSlot(t, stateDir, m, 0)
	holdSlot(t, stateDir, m, 1)

	engine := New(stateDir, "x86_64-linux", []machine.Machine{m})
	p, verdict, err := engine.Place(Request{NeededSystem: "x86_64-linux", DrvPath: "/nix/store/abc-x.drv"})
	require.NoError(t, err)
	require.Equal(t, Accepted, verdict)
	assert.Equal(t, 2, p.Slot)
	require.NoError(t, p.Release())
}

func TestRankBySpeedFactor(t *testing.T) {
	stateDir := t.TempDir()
	slow := mustParse(t, "slow x86_64-linux /k 1 1")
	fast := mustParse(t, "fast x86_64-linux /k 1 4")

	engine := New(stateDir, "x86_64-linux", []machine.Machine{slow, fast})
	p, verdict, err := engine.Place(Request{NeededSystem: "x86_64-linux", DrvPath: "/nix/store/abc-x.drv"})
	require.NoError(t, err)
	require.Equal(t, Accepted, verdict)
	assert.Equal(t, "fast", p.Machine.Host)
	require.NoError(t, p.Release())
}

func TestRankPrefersLowerLoad(t *testing.T) {
	stateDir := t.TempDir()
	busy := mustParse(t, "busy x86_64-linux /k 2 1")
	idle := mustParse(t, "idle x86_64-linux /k 2 1")
	holdSlot(t, stateDir, busy, 0)

	engine := New(stateDir, "x86_64-linux", []machine.Machine{busy, idle})
	p, verdict, err := engine.Place(Request{NeededSystem: "x86_64-linux", DrvPath: "/nix/store/abc-x.drv"})
	require.NoError(t, err)
	require.Equal(t, Accepted, verdict)
	assert.Equal(t, "idle", p.Machine.Host)
	require.NoError(t, p.Release())
}

func TestMandatoryFeaturesMustBeRequested(t *testing.T) {
	m := mustParse(t, "sec x86_64-linux /k 1 1 kvm kvm")
	engine := New(t.TempDir(), "x86_64-linux", []machine.Machine{m})

	_, verdict, err := engine.Place(Request{NeededSystem: "x86_64-linux", DrvPath: "/nix/store/abc-x.drv"})
	require.NoError(t, err)
	assert.Equal(t, Decline, verdict)

	p, verdict, err := engine.Place(Request{
		NeededSystem:     "x86_64-linux",
		DrvPath:          "/nix/store/abc-x.drv",
		RequiredFeatures: []string{"kvm"},
	})
	require.NoError(t, err)
	require.Equal(t, Accepted, verdict)
	require.NoError(t, p.Release())
}

func TestDisabledMachineIsSkipped(t *testing.T) {
	m := mustParse(t, "host1 x86_64-linux /k 2 1")
	engine := New(t.TempDir(), "aarch64-linux", []machine.Machine{m})
	engine.Disable("host1")

	_, verdict, err := engine.Place(Request{NeededSystem: "x86_64-linux", DrvPath: "/nix/store/abc-x.drv"})
	require.NoError(t, err)
	assert.Equal(t, Decline, verdict)
}

func TestZeroMaxJobsNeverSelectedNorRightType(t *testing.T) {
	m := mustParse(t, "host1 x86_64-linux /k 0 1")
	engine := New(t.TempDir(), "aarch64-linux", []machine.Machine{m})

	_, verdict, err := engine.Place(Request{NeededSystem: "x86_64-linux", DrvPath: "/nix/store/abc-x.drv"})
	require.NoError(t, err)
	assert.Equal(t, Decline, verdict)
}

func TestRepeatedPlacementIsDeterministic(t *testing.T) {
	stateDir := t.TempDir()
	a := mustParse(t, "a x86_64-linux /k 2 2")
	b := mustParse(t, "b x86_64-linux /k 2 2")

	engine := New(stateDir, "x86_64-linux", []machine.Machine{a, b})
	req := Request{NeededSystem: "x86_64-linux", DrvPath: "/nix/store/abc-x.drv"}

	p1, verdict, err := engine.Place(req)
	require.NoError(t, err)
	require.Equal(t, Accepted, verdict)
	host := p1.Machine.Host
	require.NoError(t, p1.Release())

	p2, verdict, err := engine.Place(req)
	require.NoError(t, err)
	require.Equal(t, Accepted, verdict)
	assert.Equal(t, host, p2.Machine.Host, "same state must yield the same decision")
	require.NoError(t, p2.Release())
}
