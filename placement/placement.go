// Package placement decides whether and where to run a build: it filters the
// machine registry against the request, probes per-slot locks under the main
// lock, and either hands back an owned slot or a postpone/decline verdict.
//
// All cross-process coordination goes through advisory file locks in the
// shared state directory, so a crashed hook can never leak a slot.
package placement

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/gammadia/hermes/lockfile"
	"github.com/gammadia/hermes/machine"
	"github.com/gammadia/hermes/placement/internal"
)

// Request is one build the parent daemon wants placed.
type Request struct {
	AmWilling        bool
	NeededSystem     string
	DrvPath          string
	RequiredFeatures []string
}

// Verdict is the outcome of a placement attempt.
type Verdict int

const (
	// Accepted: the caller now owns a slot on the returned machine.
	Accepted Verdict = iota
	// Postpone: no slot right now, but an enabled machine could serve this.
	Postpone
	// Decline: no enabled machine will ever serve this request.
	Decline
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accept"
	case Postpone:
		return "postpone"
	case Decline:
		return "decline"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Placement is an accepted request: a machine plus an owned slot lock. The
// lock is held until Release or process exit.
type Placement struct {
	Machine machine.Machine
	Slot    int

	lock *lockfile.Lock
}

// Release drops the slot lock, making the slot selectable again.
func (p *Placement) Release() error {
	return p.lock.Release()
}

// Engine holds the per-process placement state. The registry stays immutable;
// the only mutation is the set of hosts this process has given up on.
type Engine struct {
	stateDir    string
	localSystem string
	machines    []machine.Machine
	disabled    map[string]bool

	// Debug receives per-candidate load lines when non-nil.
	Debug io.Writer
}

func New(stateDir, localSystem string, machines []machine.Machine) *Engine {
	return &Engine{
		stateDir:    stateDir,
		localSystem: localSystem,
		machines:    machines,
		disabled:    make(map[string]bool),
	}
}

// Disable marks a host as unusable for the rest of this process, after the
// dispatcher gave up on it (typically a failed connect).
func (e *Engine) Disable(host string) {
	e.disabled[host] = true
}

type candidate struct {
	machine machine.Machine
	key     internal.Key
	free    int
}

// Place runs one placement decision under the main lock. On Accepted the
// returned Placement owns the chosen slot; the main lock is always released
// before returning, so it is never held across any network I/O.
func (e *Engine) Place(req Request) (*Placement, Verdict, error) {
	mainLock, err := lockfile.Open(filepath.Join(e.stateDir, "main-lock"))
	if err != nil {
		return nil, Decline, err
	}
	if err := mainLock.Acquire(); err != nil {
		return nil, Decline, err
	}
	defer mainLock.Release()

	rightType := false
	var candidates []candidate

	for _, m := range e.machines {
		if e.disabled[m.Host] || m.MaxJobs <= 0 {
			continue
		}
		if !m.CanBuild(req.NeededSystem, req.RequiredFeatures) {
			continue
		}
		rightType = true

		load, free, err := e.probeSlots(m)
		if err != nil {
			return nil, Decline, err
		}
		if e.Debug != nil {
			fmt.Fprintf(e.Debug, "machine %s: load %d/%d, speed %v\n", m.Host, load, m.MaxJobs, m.SpeedFactor)
		}
		if free < 0 {
			continue
		}
		candidates = append(candidates, candidate{
			machine: m,
			key:     internal.Key{Load: load, Speed: m.SpeedFactor},
			free:    free,
		})
	}

	if len(candidates) == 0 {
		if rightType && !(req.AmWilling && e.localSystem == req.NeededSystem) {
			return nil, Postpone, nil
		}
		return nil, Decline, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return internal.Less(candidates[i].key, candidates[j].key)
	})
	best := candidates[0]

	slotLock, err := lockfile.Open(filepath.Join(e.stateDir, best.machine.SlotFileName(best.free)))
	if err != nil {
		return nil, Decline, err
	}
	ok, err := slotLock.TryExclusive()
	if err != nil {
		return nil, Decline, err
	}
	if !ok {
		// We held the main lock across the probe; nobody may have taken
		// the slot in between.
		return nil, Decline, fmt.Errorf("slot %d on '%s' was taken while holding the main lock", best.free, best.machine.Host)
	}
	if err := slotLock.Touch(); err != nil {
		return nil, Decline, err
	}

	return &Placement{
		Machine: best.machine,
		Slot:    best.free,
		lock:    slotLock,
	}, Accepted, nil
}

// probeSlots counts held slot locks on a machine and finds the lowest free
// slot index, or -1 when every slot is busy.
func (e *Engine) probeSlots(m machine.Machine) (load, free int, err error) {
	free = -1
	for slot := 0; slot < m.MaxJobs; slot++ {
		l, err := lockfile.Open(filepath.Join(e.stateDir, m.SlotFileName(slot)))
		if err != nil {
			return 0, -1, err
		}
		busy, err := l.Probe()
		if err != nil {
			return 0, -1, err
		}
		if busy {
			load++
		} else if free < 0 {
			free = slot
		}
	}
	return load, free, nil
}
