package timer_test

import (
	"testing"
	"time"

	"github.com/mythril-go/hypervisor/percpu"
	"github.com/mythril-go/hypervisor/timer"
)

func TestOneShotExpiresOnceAndIsRemoved(t *testing.T) {
	t.Parallel()

	wheel := timer.NewTimerWheel(percpu.CoreID(0))
	id := wheel.OneShot(time.Millisecond, timer.NewGSIInterrupt(5))

	time.Sleep(5 * time.Millisecond)

	fired := wheel.ExpireElapsedTimers()
	if len(fired) != 1 {
		t.Fatalf("expected 1 interrupt, got %d", len(fired))
	}

	if fired[0].GSI == nil || *fired[0].GSI != 5 {
		t.Fatalf("expected GSI 5, got %+v", fired[0])
	}

	if _, ok := wheel.Get(id); ok {
		t.Fatalf("expected one-shot timer to be removed after firing")
	}

	if fired := wheel.ExpireElapsedTimers(); len(fired) != 0 {
		t.Fatalf("expected no further interrupts, got %d", len(fired))
	}
}

func TestPeriodicResetsInsteadOfBeingRemoved(t *testing.T) {
	t.Parallel()

	wheel := timer.NewTimerWheel(percpu.CoreID(0))
	id := wheel.Periodic(time.Millisecond, timer.NewGSIInterrupt(7))

	time.Sleep(5 * time.Millisecond)

	fired := wheel.ExpireElapsedTimers()
	if len(fired) == 0 {
		t.Fatalf("expected at least one interrupt")
	}

	if _, ok := wheel.Get(id); !ok {
		t.Fatalf("expected periodic timer to still be registered")
	}
}

func TestRemoveCancelsTimer(t *testing.T) {
	t.Parallel()

	wheel := timer.NewTimerWheel(percpu.CoreID(0))
	id := wheel.OneShot(time.Hour, timer.NewGSIInterrupt(1))

	wheel.Remove(id)

	if _, ok := wheel.Get(id); ok {
		t.Fatalf("expected timer to be removed")
	}
}

func TestNextDeadlinePicksSoonest(t *testing.T) {
	t.Parallel()

	wheel := timer.NewTimerWheel(percpu.CoreID(0))
	wheel.OneShot(time.Hour, timer.NewGSIInterrupt(1))
	wheel.OneShot(time.Millisecond, timer.NewGSIInterrupt(2))

	deadline, ok := wheel.NextDeadline()
	if !ok {
		t.Fatalf("expected a deadline")
	}

	if time.Until(deadline) > time.Second {
		t.Fatalf("expected the soonest (millisecond) timer's deadline, got %v away", time.Until(deadline))
	}
}
