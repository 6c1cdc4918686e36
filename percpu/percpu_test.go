package percpu_test

import (
	"sync"
	"testing"

	"github.com/mythril-go/hypervisor/percpu"
)

func TestTableLocalMatchesFor(t *testing.T) {
	t.Parallel()

	table := percpu.NewTable[int](4)
	*table.For(2) = 42

	done := make(chan int)

	go func() {
		h := percpu.Bind(2)
		done <- *table.Local(h)
	}()

	if got := <-done; got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestTableEachCoreIsIndependent(t *testing.T) {
	t.Parallel()

	const n = 8

	table := percpu.NewTable[int](n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := percpu.Bind(percpu.CoreID(i))
			*table.Local(h) = i * 10
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if got := *table.For(percpu.CoreID(i)); got != i*10 {
			t.Fatalf("core %d: expected %d, got %d", i, i*10, got)
		}
	}
}

func TestTableLen(t *testing.T) {
	t.Parallel()

	table := percpu.NewTable[struct{}](16)
	if table.Len() != 16 {
		t.Fatalf("expected len 16, got %d", table.Len())
	}
}
