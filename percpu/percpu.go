// Package percpu gives every physical core its own copy of a small set of
// global objects (the local APIC handle, the timer wheel, the active vCPU)
// without any cross-core synchronization, the role original_source/mythril/
// src/percore.rs's ".per_core" linker section plus IA32_FS_BASE indirection
// plays in the Rust original.
//
// Go has neither linker sections nor a public way to recover "which OS
// thread am I" from inside a goroutine, so there is no direct transliteration
// of segment-base indirection. Instead Bind pins the calling goroutine to its
// OS thread with runtime.LockOSThread and hands back a Handle carrying the
// core's identity; every per-core lookup thereafter takes that Handle
// explicitly rather than recovering it from ambient state. This is more
// idiomatic Go than faking thread-locals, and it preserves the invariant
// that matters: each core's slot is read and written only by the goroutine
// that owns it, so no locking is required.
package percpu

import "runtime"

// CoreID identifies one physical core, 0-based, matching APIC-enumeration
// order.
type CoreID uint32

// Handle is proof that the calling goroutine has bound itself to a core. A
// vCPU's run loop obtains one from Bind once, at startup, and threads it
// through every call that needs per-core state.
type Handle struct {
	id CoreID
}

// Bind pins the calling goroutine to its current OS thread and returns a
// Handle identifying it as the owner of id. Must be called once per core,
// from the goroutine that will run that core's vCPU loop for the lifetime
// of the process (spec §5: one kernel thread of control per physical core,
// never migrated).
func Bind(id CoreID) Handle {
	runtime.LockOSThread()

	return Handle{id: id}
}

// ID returns the core this handle is bound to.
func (h Handle) ID() CoreID { return h.id }

// Table is a fixed-size, per-core array of T, allocated once at boot.
type Table[T any] struct {
	slots []T
}

// NewTable allocates a Table sized for n cores, matching the boot-time
// "allocate every per-core copy up front" pattern of percore.rs's
// init_sections.
func NewTable[T any](n int) *Table[T] {
	return &Table[T]{slots: make([]T, n)}
}

// For returns a pointer to the slot owned by the given core. Used during
// boot and AP bring-up, before a core has bound itself and obtained a
// Handle of its own.
func (t *Table[T]) For(id CoreID) *T {
	return &t.slots[id]
}

// Local returns a pointer to the slot owned by h's core. Safe to call
// without locking only from the goroutine that holds h, which by
// construction is the one goroutine ever touching that slot.
func (t *Table[T]) Local(h Handle) *T {
	return &t.slots[h.id]
}

// Len reports how many core slots the table holds.
func (t *Table[T]) Len() int { return len(t.slots) }
