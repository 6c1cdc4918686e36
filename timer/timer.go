// Package timer implements the per-core timer wheel (spec §4.7, C13),
// grounded on original_source/mythril/src/time.rs. Unlike the Rust original,
// which calibrates a TSC-backed TimeSource and tracks Instant as raw tick
// counts, this port uses the Go runtime's monotonic clock (time.Time/
// time.Duration) directly as its TimeSource — there is no TSC-calibration
// step to port since Go already gives every goroutine a monotonic reading
// with no privileged instruction required.
package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/mythril-go/hypervisor/percpu"
	"github.com/mythril-go/hypervisor/vcpu/inject"
)

// TimerInterruptType selects how an elapsed timer's interrupt reaches the
// guest: Direct delivers straight to the owning core (e.g. the virtualized
// local APIC timer), GSI raises a global system interrupt, which the vCPU
// injects using the GSI number itself as the vector; it does not pass
// through I/O APIC routing.
type TimerInterruptType struct {
	Direct *DirectInterrupt
	GSI    *uint32
}

// DirectInterrupt names a vector delivered straight to the core that armed
// the timer, bypassing GSI routing.
type DirectInterrupt struct {
	Vector uint8
	Kind   inject.Type
}

// NewGSIInterrupt builds a TimerInterruptType that raises gsi on expiry.
func NewGSIInterrupt(gsi uint32) TimerInterruptType {
	return TimerInterruptType{GSI: &gsi}
}

// NewDirectInterrupt builds a TimerInterruptType that injects vector/kind
// straight into the owning core.
func NewDirectInterrupt(vector uint8, kind inject.Type) TimerInterruptType {
	return TimerInterruptType{Direct: &DirectInterrupt{Vector: vector, Kind: kind}}
}

type timerMode int

const (
	modeOneShot timerMode = iota
	modePeriodic
)

// RunningTimer is a started one-shot or periodic timer.
type RunningTimer struct {
	duration time.Duration
	mode     timerMode
	started  time.Time
	kind     TimerInterruptType
}

// Elapsed reports whether the timer's duration has passed since it was
// last (re)started.
func (t *RunningTimer) Elapsed() bool {
	return time.Since(t.started) > t.duration
}

func (t *RunningTimer) isPeriodic() bool { return t.mode == modePeriodic }

// ElapsesAt returns the instant this timer will next fire.
func (t *RunningTimer) ElapsesAt() time.Time { return t.started.Add(t.duration) }

// Reset restarts a one-shot timer from now, or advances a periodic timer's
// start to its previous expiry instant (so periodic timers stay on-grid
// rather than drifting by however long expiry processing took).
func (t *RunningTimer) Reset() {
	if t.isPeriodic() {
		t.started = t.ElapsesAt()
	} else {
		t.started = time.Now()
	}
}

// TimerID identifies one timer registered with a TimerWheel, unique within
// that wheel.
type TimerID struct {
	id     uint64
	CoreID percpu.CoreID
}

// TimerWheel holds every running timer owned by one core. Spec §4.7
// requires this be consulted only by the core that owns it (no locking
// needed in principle), but registration can be driven by device emulation
// code running on behalf of a guest access, so a mutex guards it the way
// the rest of this codebase favors an explicit lock over an unenforced
// single-writer invariant.
type TimerWheel struct {
	mu      sync.Mutex
	counter uint64
	timers  map[TimerID]*RunningTimer
	core    percpu.CoreID
}

// NewTimerWheel constructs an empty wheel for the given core.
func NewTimerWheel(core percpu.CoreID) *TimerWheel {
	return &TimerWheel{timers: make(map[TimerID]*RunningTimer), core: core}
}

// OneShot arms a timer that fires once after duration.
func (w *TimerWheel) OneShot(duration time.Duration, kind TimerInterruptType) TimerID {
	return w.register(duration, modeOneShot, kind)
}

// Periodic arms a timer that fires every period, indefinitely, until
// removed.
func (w *TimerWheel) Periodic(period time.Duration, kind TimerInterruptType) TimerID {
	return w.register(period, modePeriodic, kind)
}

func (w *TimerWheel) register(duration time.Duration, mode timerMode, kind TimerInterruptType) TimerID {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := TimerID{id: w.counter, CoreID: w.core}
	w.counter++

	w.timers[id] = &RunningTimer{
		duration: duration,
		mode:     mode,
		started:  time.Now(),
		kind:     kind,
	}

	return id
}

// Remove cancels a timer.
func (w *TimerWheel) Remove(id TimerID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.timers, id)
}

// Get returns the timer for id, if it is still running.
func (w *TimerWheel) Get(id TimerID) (*RunningTimer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.timers[id]

	return t, ok
}

// ExpireElapsedTimers removes every elapsed one-shot timer and resets every
// elapsed periodic timer, returning the interrupts each should deliver, in
// no particular order — matching expire_elapsed_timers's two-pass
// collect-then-remove shape (removing from a map while ranging over it is
// unsafe in Go just as it is in Rust's BTreeMap, hence the explicit id
// collection pass).
func (w *TimerWheel) ExpireElapsedTimers() []TimerInterruptType {
	w.mu.Lock()
	defer w.mu.Unlock()

	var interrupts []TimerInterruptType

	var expiredOneShots []TimerID

	for id, t := range w.timers {
		if !t.Elapsed() {
			continue
		}

		if t.isPeriodic() {
			interrupts = append(interrupts, t.kind)
			t.Reset()
		} else {
			expiredOneShots = append(expiredOneShots, id)
		}
	}

	for _, id := range expiredOneShots {
		interrupts = append(interrupts, w.timers[id].kind)
		delete(w.timers, id)
	}

	return interrupts
}

// NextDeadline returns the soonest instant any timer on this wheel will
// next fire, used to arm the physical local-APIC one-shot that drives
// ExpireElapsedTimers.
func (w *TimerWheel) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.timers) == 0 {
		return time.Time{}, false
	}

	deadlines := make([]time.Time, 0, len(w.timers))
	for _, t := range w.timers {
		deadlines = append(deadlines, t.ElapsesAt())
	}

	sort.Slice(deadlines, func(i, j int) bool { return deadlines[i].Before(deadlines[j]) })

	return deadlines[0], true
}

// BusyWait blocks the calling core for duration, the same spin-and-relax
// idiom busy_wait uses to calibrate or bridge short intervals without
// yielding the core to another timer source.
func BusyWait(duration time.Duration) {
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
	}
}
