// Package bcache implements the sharded buffer cache: a fixed pool of NBUF
// block buffers, hash-partitioned across NBUCKET buckets each guarded by
// its own spinlock, with a single global spinlock serializing eviction and
// approximate-LRU victim selection. Ported from xv6's bio.c, including the
// one open correctness question (see the victim-scan comment in Bget) that
// this port deliberately does not paper over.
package bcache

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/abiolaogu/kerncache/internal/blockdev"
	"github.com/abiolaogu/kerncache/internal/observability"
	"github.com/abiolaogu/kerncache/internal/syncutil"
	"github.com/abiolaogu/kerncache/internal/tickclock"
	"github.com/abiolaogu/kerncache/internal/tracing"
)

// Buf is one cached disk block. Buf values live inside Cache.bufs and are
// never copied or reallocated after Binit, so a *Buf handed to a caller
// stays valid for the process lifetime (the underlying slot is only ever
// re-keyed, never freed).
type Buf struct {
	Dev     uint32
	Blockno uint32
	Valid   bool
	Refcnt  int
	Tick    int64 // 0 means "never homed since Binit"
	Data    [blockdev.BlockSize]byte

	lock *syncutil.SleepLock
	tok  int64 // current holder's token; meaningful only while Refcnt's holder holds lock

	// prev/next are the intrusive bucket-list links, expressed as indices
	// into Cache.bufs (an arena) rather than aliased pointers, so a buffer
	// can be relinked between buckets without invalidating any *Buf a
	// caller is holding.
	prev, next int32
}

type bucket struct {
	lock *syncutil.SpinLock
	head int32 // index into Cache.bufs, -1 if empty
}

// Config configures a Cache. NBucket defaults to 5, matching the source.
type Config struct {
	NBuf    int
	NBucket int
	Device  blockdev.Device
	Clock   *tickclock.Clock
	Metrics *observability.MetricsCollector
}

// Cache is the buffer cache. The zero value is not usable; construct with
// Binit.
type Cache struct {
	bufs    []Buf
	buckets []bucket
	evict   *syncutil.SpinLock // the global eviction lock ("bcache.lock")
	device  blockdev.Device
	clock   *tickclock.Clock
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	nbucket int32
}

// Binit constructs and initializes the buffer cache: every buffer's
// sleep-lock, every bucket's spinlock, and the global eviction lock.
func Binit(cfg Config) *Cache {
	if cfg.NBucket == 0 {
		cfg.NBucket = 5
	}
	c := &Cache{
		bufs:    make([]Buf, cfg.NBuf),
		buckets: make([]bucket, cfg.NBucket),
		evict:   syncutil.NewSpinLock("bcache.lock"),
		device:  cfg.Device,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		tracer:  tracing.GetTracer("bcache"),
		nbucket: int32(cfg.NBucket),
	}
	for i := range c.bufs {
		c.bufs[i].lock = syncutil.NewSleepLock("buffer")
		c.bufs[i].prev, c.bufs[i].next = -1, -1
	}
	for i := range c.buckets {
		c.buckets[i].lock = syncutil.NewSpinLock(fmt.Sprintf("bcache.bucket[%d]", i))
		c.buckets[i].head = -1
	}
	return c
}

func (c *Cache) hash(blockno uint32) int32 {
	return int32(blockno % uint32(c.nbucket))
}

func (c *Cache) bucketInsertHead(b *bucket, idx int32) {
	buf := &c.bufs[idx]
	buf.next = b.head
	buf.prev = -1
	if b.head != -1 {
		c.bufs[b.head].prev = idx
	}
	b.head = idx
}

func (c *Cache) bucketUnlink(b *bucket, idx int32) {
	buf := &c.bufs[idx]
	if buf.prev != -1 {
		c.bufs[buf.prev].next = buf.next
	} else {
		b.head = buf.next
	}
	if buf.next != -1 {
		c.bufs[buf.next].prev = buf.prev
	}
	buf.prev, buf.next = -1, -1
}

// Bget looks through the buffer cache for block (dev, blockno). If found, it
// increments the refcount and returns it with its sleep-lock held. If not
// found, it allocates a buffer for it, evicting the approximate-LRU
// refcnt==0 buffer. Panics if no buffer is evictable.
func (c *Cache) Bget(ctx context.Context, dev, blockno uint32) *Buf {
	_, span := tracing.StartSpan(ctx, c.tracer, "bcache.bget",
		attribute.Int64("dev", int64(dev)), attribute.Int64("blockno", int64(blockno)))
	defer span.End()

	index := c.hash(blockno)
	bkt := &c.buckets[index]

	// Phase 1: fast path. The sleep-lock is acquired only after releasing
	// the bucket lock, so a slow disk read by one holder never blocks other
	// bget calls hashing to the same bucket.
	bkt.lock.Acquire()
	for i := bkt.head; i != -1; i = c.bufs[i].next {
		b := &c.bufs[i]
		if b.Dev == dev && b.Blockno == blockno {
			b.Refcnt++
			bkt.lock.Release()
			b.tok = b.lock.Acquire()
			c.metrics.RecordBufferHit()
			return b
		}
	}
	c.metrics.RecordBufferMiss()

	// Phase 2: miss. Still holding hashlocks[index]; take the global
	// eviction lock so two concurrent evictors can't pick the same victim.
	c.evict.Acquire()

	var victim *Buf
	var victimIdx int32 = -1
	for i := range c.bufs {
		b := &c.bufs[i]
		// NOTE: refcnt/tick are read here under c.evict only, not under
		// whichever bucket currently homes b. A concurrent brelse/bpin/
		// bunpin on a buffer in a *different* bucket than index takes only
		// that bucket's lock and can race with this read. bio.c's bget has
		// the same gap (it scans bcache.buf while holding only bcache.lock,
		// not the individual buffer's bucket lock); it is preserved here
		// rather than silently patched.
		if b.Refcnt == 0 && (victim == nil || b.Tick < victim.Tick) {
			victim = b
			victimIdx = int32(i)
		}
	}
	if victim == nil {
		c.evict.Release()
		bkt.lock.Release()
		panic("bget: no buffers")
	}

	oldTick := victim.Tick
	var oldIndex int32 = -1
	if oldTick != 0 {
		oldIndex = c.hash(victim.Blockno)
	}

	switch {
	case oldTick == 0:
		// Never placed in any bucket: initialize and link fresh.
		victim.Dev, victim.Blockno, victim.Refcnt, victim.Valid, victim.Tick = dev, blockno, 1, false, c.clock.Now()
		c.bucketInsertHead(bkt, victimIdx)
	case oldIndex == index:
		// Already linked into this (locked) bucket; re-key in place.
		victim.Dev, victim.Blockno, victim.Refcnt, victim.Valid, victim.Tick = dev, blockno, 1, false, c.clock.Now()
		c.metrics.RecordBufferEviction()
	default:
		// Cross-bucket steal: lock order is hashlocks[index] -> bcache.lock
		// -> hashlocks[oldIndex], already established by the callers above.
		oldBkt := &c.buckets[oldIndex]
		oldBkt.lock.Acquire()
		c.bucketUnlink(oldBkt, victimIdx)
		victim.Dev, victim.Blockno, victim.Refcnt, victim.Valid, victim.Tick = dev, blockno, 1, false, c.clock.Now()
		c.bucketInsertHead(bkt, victimIdx)
		oldBkt.lock.Release()
		c.metrics.RecordBufferEviction()
		c.metrics.RecordBufferRehome()
	}

	c.evict.Release()
	bkt.lock.Release()
	victim.tok = victim.lock.Acquire()
	return victim
}

// Bread returns a locked buffer with block (dev, blockno)'s contents,
// reading from the device if the cached copy isn't valid yet.
func (c *Cache) Bread(ctx context.Context, dev, blockno uint32) (*Buf, error) {
	b := c.Bget(ctx, dev, blockno)
	if !b.Valid {
		c.metrics.RecordBufferDiskRead()
		if err := c.device.ReadBlock(ctx, dev, blockno, b.Data[:]); err != nil {
			tracing.RecordError(ctx, err)
			c.Brelse(b)
			return nil, fmt.Errorf("bcache: read dev=%d block=%d: %w", dev, blockno, err)
		}
		b.Valid = true
	}
	return b, nil
}

// Bwrite writes b's contents to disk. The caller must hold b's sleep-lock.
func (c *Cache) Bwrite(ctx context.Context, b *Buf) error {
	if !b.lock.Holding(b.tok) {
		panic("bwrite: caller does not hold buffer lock")
	}
	if err := c.device.WriteBlock(ctx, b.Dev, b.Blockno, b.Data[:]); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("bcache: write dev=%d block=%d: %w", b.Dev, b.Blockno, err)
	}
	return nil
}

// Brelse releases a locked buffer. The caller must hold b's sleep-lock.
// On the refcnt->0 transition it timestamps the buffer for LRU.
func (c *Cache) Brelse(b *Buf) {
	if !b.lock.Holding(b.tok) {
		panic("brelse: caller does not hold buffer lock")
	}
	tok := b.tok
	b.tok = 0
	b.lock.Release(tok)

	bkt := &c.buckets[c.hash(b.Blockno)]
	bkt.lock.Acquire()
	b.Refcnt--
	if b.Refcnt == 0 {
		b.Tick = c.clock.Now()
	}
	bkt.lock.Release()
}

// Bpin increments refcnt without touching the sleep-lock, keeping a buffer
// resident across a caller's own sleep. Protected by the buffer's current
// bucket lock, matching Brelse.
func (c *Cache) Bpin(b *Buf) {
	bkt := &c.buckets[c.hash(b.Blockno)]
	bkt.lock.Acquire()
	b.Refcnt++
	bkt.lock.Release()
}

// Bunpin undoes Bpin.
func (c *Cache) Bunpin(b *Buf) {
	bkt := &c.buckets[c.hash(b.Blockno)]
	bkt.lock.Acquire()
	b.Refcnt--
	bkt.lock.Release()
}
