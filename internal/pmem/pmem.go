// Package pmem implements the physical page allocator: a fixed arena of
// 4 KiB pages distributed across NCPU per-CPU free lists, each normally
// operated on lock-free with respect to the others, falling back to a
// bounded round-robin steal when a CPU's own list runs dry.
package pmem

import (
	"context"
	"fmt"
	"unsafe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/abiolaogu/kerncache/internal/observability"
	"github.com/abiolaogu/kerncache/internal/syncutil"
	"github.com/abiolaogu/kerncache/internal/tracing"
	"github.com/abiolaogu/kerncache/internal/vcpu"
)

// PageSize is the fixed physical page size.
const PageSize = 4096

// debugFreeByte / debugAllocByte are the diagnostic fill patterns: not a
// security measure, just a way to surface dangling-reference and
// use-before-initialization bugs during development.
const (
	debugFreeByte  byte = 0x01
	debugAllocByte byte = 0x05
)

// run is the intrusive free-list node. Like the source, a free page carries
// its own link in its first bytes rather than in separate bookkeeping
// memory — expressed here with unsafe.Pointer the same way the teacher's
// cache_engine_v3.go threads raw pointers through its slab allocator.
type run struct {
	next *run
}

type kmem struct {
	lock     *syncutil.SpinLock
	freelist *run
}

// Config configures an Allocator.
type Config struct {
	NCPU    int
	NPages  int
	Metrics *observability.MetricsCollector
}

// Allocator is the page allocator. The zero value is not usable; construct
// with NewAllocator, then call Kinit once before any Kalloc/Kfree.
type Allocator struct {
	arena   []byte
	kmem    []kmem
	guards  []vcpu.InterruptGuard
	start   uintptr
	end     uintptr
	tracer  trace.Tracer
	metrics *observability.MetricsCollector
}

// NewAllocator allocates the managed page arena and one free-list head per
// logical CPU. It does not populate any free list — call Kinit for that.
func NewAllocator(cfg Config) *Allocator {
	a := &Allocator{
		arena:   make([]byte, cfg.NPages*PageSize),
		kmem:    make([]kmem, cfg.NCPU),
		guards:  make([]vcpu.InterruptGuard, cfg.NCPU),
		tracer:  tracing.GetTracer("pmem"),
		metrics: cfg.Metrics,
	}
	for i := range a.kmem {
		a.kmem[i].lock = syncutil.NewSpinLock(fmt.Sprintf("kmem[%d]", i))
	}
	if cfg.NPages > 0 {
		a.start = uintptr(unsafe.Pointer(&a.arena[0]))
		a.end = a.start + uintptr(len(a.arena))
	}
	return a
}

// NCPU returns the number of per-CPU free lists.
func (a *Allocator) NCPU() int { return len(a.kmem) }

func (a *Allocator) pageAt(i int) []byte {
	return a.arena[i*PageSize : (i+1)*PageSize : (i+1)*PageSize]
}

// Kinit pushes every page in the managed arena through Kfree, landing them
// all on whichever CPU ctx is bound to — the "booting" CPU, same as
// freerange(end, PHYSTOP) in the source.
func (a *Allocator) Kinit(ctx context.Context) {
	n := len(a.arena) / PageSize
	for i := 0; i < n; i++ {
		a.Kfree(ctx, a.pageAt(i))
	}
}

// Kfree returns page to the calling CPU's free list. page must be exactly
// PageSize bytes, page-aligned, and within the managed arena — normally one
// returned by Kalloc or handed out by Kinit's freerange.
func (a *Allocator) Kfree(ctx context.Context, page []byte) {
	_, span := tracing.StartSpan(ctx, a.tracer, "pmem.kfree")
	defer span.End()

	if len(page) != PageSize {
		panic("kfree: page is not PageSize bytes")
	}
	addr := uintptr(unsafe.Pointer(&page[0]))
	if addr%PageSize != 0 || addr < a.start || addr >= a.end {
		panic("kfree: pointer is misaligned or out of range")
	}

	for i := range page {
		page[i] = debugFreeByte
	}

	id := vcpu.ID(ctx)
	a.guards[id].Disable()
	a.kmem[id].lock.Acquire()
	r := (*run)(unsafe.Pointer(&page[0]))
	r.next = a.kmem[id].freelist
	a.kmem[id].freelist = r
	a.kmem[id].lock.Release()
	a.guards[id].Enable()

	a.metrics.RecordPageFree()
}

// Kalloc returns a freshly-owned PageSize-byte region filled with a debug
// pattern, or nil if the pool is exhausted. It first tries the calling
// CPU's own free list; on underflow it steals one page from another CPU's
// list, visiting every other CPU at most once in round-robin order.
func (a *Allocator) Kalloc(ctx context.Context) []byte {
	_, span := tracing.StartSpan(ctx, a.tracer, "pmem.kalloc")
	defer span.End()

	id := vcpu.ID(ctx)
	a.guards[id].Disable()
	a.kmem[id].lock.Acquire()

	r := a.kmem[id].freelist
	if r != nil {
		a.kmem[id].freelist = r.next
	} else {
		r = a.steal(id)
	}

	a.kmem[id].lock.Release()
	a.guards[id].Enable()

	if r == nil {
		a.metrics.RecordPageExhaustion()
		span.SetAttributes(attribute.Bool("exhausted", true))
		return nil
	}
	a.metrics.RecordPageAlloc()

	page := unsafe.Slice((*byte)(unsafe.Pointer(r)), PageSize)
	for i := range page {
		page[i] = debugAllocByte
	}
	return page
}

// steal is called with kmem[self].lock already held (the total lock order
// is kmem[self] -> kmem[remote], remote != self, at most one remote lock
// held at a time — never holding two remote locks, never re-entering steal
// while holding a remote lock). It visits every other CPU exactly once,
// starting from (self+1) mod NCPU, a clean bounded loop replacing the
// source's wrap-by-resetting-the-index control flow.
func (a *Allocator) steal(self int) *run {
	n := len(a.kmem)
	for step := 1; step < n; step++ {
		remote := (self + step) % n

		// Racy, lock-free peek: a false negative only costs a retry on the
		// next Kalloc, a false positive is re-checked under the lock below.
		if a.kmem[remote].freelist == nil {
			continue
		}

		a.kmem[remote].lock.Acquire()
		r := a.kmem[remote].freelist
		if r != nil {
			a.kmem[remote].freelist = r.next
		}
		a.kmem[remote].lock.Release()

		if r != nil {
			a.metrics.RecordPageSteal()
			return r
		}
	}
	return nil
}
