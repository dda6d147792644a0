// Package vcpu models the hardware-thread identity and interrupt-disable
// primitives the source consumes from its environment (cpu_id(), push_off,
// pop_off). Go has no OS-level notion of "the CPU this goroutine happens to
// be running on right now" worth exposing — the scheduler can migrate a
// goroutine between Ms at any yield point — so instead of faking one, a
// logical CPU identity is bound explicitly to a context.Context for the
// duration of a call chain, the same way the teacher threads a
// request-scoped value through context.Context everywhere.
package vcpu

import (
	"context"
	"sync/atomic"
)

type cpuIDKey struct{}

// Bind returns a context carrying logical CPU id. A caller simulating NCPU
// hardware threads should create one bound context per worker goroutine at
// startup and hold it for that goroutine's lifetime.
func Bind(parent context.Context, id int) context.Context {
	return context.WithValue(parent, cpuIDKey{}, id)
}

// ID extracts the logical CPU id bound to ctx. It panics if ctx has none,
// matching the source's assumption that cpu_id() is only ever called from
// code already running with interrupts disabled on a known CPU.
func ID(ctx context.Context) int {
	id, ok := ctx.Value(cpuIDKey{}).(int)
	if !ok {
		panic("vcpu: ID called on a context with no bound CPU")
	}
	return id
}

// InterruptGuard models push_off/pop_off: nestable interrupt disabling used around the
// CPU-identification + lock-acquisition window in kalloc/kfree. With CPU
// identity already fixed for the call via the bound context there is no
// migration hazard left to guard against, so this is a push/pop counter
// kept purely for parity with the source's external-interface contract
// and so call sites read the same way the source's do.
type InterruptGuard struct {
	depth atomic.Int32
}

// Disable increments the nesting depth (push_off).
func (g *InterruptGuard) Disable() { g.depth.Add(1) }

// Enable decrements the nesting depth (pop_off). It panics on underflow,
// same as the source panics if pop_off is called without a matching
// push_off.
func (g *InterruptGuard) Enable() {
	if g.depth.Add(-1) < 0 {
		panic("vcpu: Enable without matching Disable")
	}
}
