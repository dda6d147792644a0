// Package syncutil provides the two lock primitives the kernel subsystems
// are specified against: a busy-waiting spinlock and a blocking sleep-lock.
package syncutil

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// SpinLock is a non-reentrant mutex whose waiters busy-wait rather than
// park. Real interrupt-disable has no meaning in a userspace goroutine, so
// the "disable interrupts while spinning" half of the source's spinlock is
// modeled separately by package vcpu; SpinLock itself only owns the
// busy-wait discipline.
type SpinLock struct {
	locked atomic.Bool
	name   string
}

// NewSpinLock mirrors the source's initlock(name).
func NewSpinLock(name string) *SpinLock {
	return &SpinLock{name: name}
}

// Acquire spins until the lock is free. Backs off with runtime.Gosched so a
// busy goroutine doesn't starve the scheduler while waiting on another one.
func (l *SpinLock) Acquire() {
	spins := 0
	for !l.locked.CompareAndSwap(false, true) {
		spins++
		if spins > 64 {
			runtime.Gosched()
			spins = 0
		}
	}
}

// Release unlocks. Calling Release without holding the lock is a caller bug,
// same as the source's spinlock.
func (l *SpinLock) Release() {
	l.locked.Store(false)
}

// Name returns the lock's diagnostic name, e.g. "bcache.bucket[2]".
func (l *SpinLock) Name() string { return l.name }

// SleepLock serializes users of a single buffer's contents. Waiters block
// (yield the goroutine) instead of spinning, matching the source's
// sleeplock, and unlike SpinLock it supports Holding() so bwrite/brelse can
// enforce their precondition.
type SleepLock struct {
	mu     sync.Mutex
	owner  atomic.Int64 // goroutine-scoped token, 0 = unheld
	name   string
	nextID atomic.Int64
}

// NewSleepLock mirrors the source's initsleeplock(name).
func NewSleepLock(name string) *SleepLock {
	return &SleepLock{name: name}
}

// holderToken is a per-acquisition-site token, not a goroutine id (Go
// deliberately doesn't expose one); callers identify "the same holder" by
// passing around the token Acquire returns.
type holderToken = int64

// Acquire blocks until the lock is free and returns a token identifying
// this acquisition for a later Holding check.
func (l *SleepLock) Acquire() holderToken {
	l.mu.Lock()
	tok := l.nextID.Add(1)
	l.owner.Store(tok)
	return tok
}

// Release releases the lock. tok must be the token returned by the matching
// Acquire.
func (l *SleepLock) Release(tok holderToken) {
	l.owner.CompareAndSwap(tok, 0)
	l.mu.Unlock()
}

// Holding reports whether tok is the current holder's token.
func (l *SleepLock) Holding(tok holderToken) bool {
	return tok != 0 && l.owner.Load() == tok
}

func (l *SleepLock) Name() string { return l.name }
