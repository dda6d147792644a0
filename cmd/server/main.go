// cmd/server boots the buffer cache and page allocator and drives them with
// a simulated multi-CPU workload: one worker goroutine per logical CPU,
// bound via vcpu.Bind, concurrently issuing bread/bwrite/brelse against a
// shared block device and kalloc/kfree against the shared page pool.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/abiolaogu/kerncache/internal/bcache"
	"github.com/abiolaogu/kerncache/internal/blockdev"
	"github.com/abiolaogu/kerncache/internal/observability"
	"github.com/abiolaogu/kerncache/internal/pmem"
	"github.com/abiolaogu/kerncache/internal/tickclock"
	"github.com/abiolaogu/kerncache/internal/tracing"
	"github.com/abiolaogu/kerncache/internal/vcpu"
)

const (
	Version = "1.0.0"

	NCPU    = 8
	NBuf    = 32
	NBucket = 5
	NPages  = 256
	NDisk   = 64 // distinct blocks the workers contend over
)

// Server wires together the buffer cache, the page allocator and their
// shared collaborators, and owns the worker pool that exercises them.
type Server struct {
	runID string

	cache   *bcache.Cache
	pages   *pmem.Allocator
	clock   *tickclock.Clock
	metrics *observability.MetricsCollector
	device  *blockdev.MemDevice

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	runID := uuid.NewString()
	fmt.Printf("kerncache v%s (run %s)\n", Version, runID)

	jaegerEndpoint := os.Getenv("JAEGER_ENDPOINT")
	if jaegerEndpoint == "" {
		jaegerEndpoint = "http://jaeger:14268/api/traces"
	}
	if err := tracing.InitTracing(jaegerEndpoint); err != nil {
		log.Printf("warning: tracing not initialized: %v", err)
	}

	srv := NewServer(runID)
	srv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}

	srv.Shutdown()
	fmt.Println("stopped")
}

// NewServer constructs a Server with its subsystems initialized but its
// worker pool not yet started.
func NewServer(runID string) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	clock := tickclock.New()
	metrics := observability.NewMetricsCollector()
	device := blockdev.NewMemDevice()

	cache := bcache.Binit(bcache.Config{
		NBuf:    NBuf,
		NBucket: NBucket,
		Device:  device,
		Clock:   clock,
		Metrics: metrics,
	})

	pages := pmem.NewAllocator(pmem.Config{
		NCPU:    NCPU,
		NPages:  NPages,
		Metrics: metrics,
	})
	pages.Kinit(vcpu.Bind(ctx, 0))

	fmt.Printf("buffer cache: %d buffers across %d buckets (device %s)\n", NBuf, NBucket, device.ID())
	fmt.Printf("page allocator: %d pages across %d CPUs\n", NPages, pages.NCPU())

	return &Server{
		runID:   runID,
		cache:   cache,
		pages:   pages,
		clock:   clock,
		metrics: metrics,
		device:  device,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches one worker goroutine per logical CPU — one per free list
// the page allocator actually owns, rather than an independently-chosen
// count — plus a periodic metrics reporter.
func (s *Server) Start() {
	ncpu := s.pages.NCPU()
	for id := 0; id < ncpu; id++ {
		s.wg.Add(1)
		go s.worker(id)
	}
	s.wg.Add(1)
	go s.reportMetrics()

	fmt.Printf("started %d workers\n", ncpu)
}

// Shutdown cancels the worker pool, waits for every worker to exit, and
// stops the tick clock.
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
	s.clock.Stop()
}

// worker is one simulated CPU: it repeatedly reads a block, mutates it,
// writes it back, releases it, and separately allocates-then-frees pages,
// until ctx is canceled.
func (s *Server) worker(id int) {
	defer s.wg.Done()

	ctx := vcpu.Bind(s.ctx, id)
	rng := rand.New(rand.NewSource(int64(id) + 1))

	var ops int64
	for {
		select {
		case <-s.ctx.Done():
			log.Printf("cpu %d: %d ops", id, atomic.LoadInt64(&ops))
			return
		default:
		}

		blockno := uint32(rng.Intn(NDisk))
		s.touchBlock(ctx, id, blockno)
		s.touchPage(ctx)
		atomic.AddInt64(&ops, 1)

		time.Sleep(time.Microsecond)
	}
}

func (s *Server) touchBlock(ctx context.Context, id int, blockno uint32) {
	b, err := s.cache.Bread(ctx, 0, blockno)
	if err != nil {
		log.Printf("cpu %d: bread block %d: %v", id, blockno, err)
		return
	}
	b.Data[0]++
	if err := s.cache.Bwrite(ctx, b); err != nil {
		log.Printf("cpu %d: bwrite block %d: %v", id, blockno, err)
	}
	s.cache.Brelse(b)
}

func (s *Server) touchPage(ctx context.Context) {
	page := s.pages.Kalloc(ctx)
	if page == nil {
		return // pool momentarily exhausted; next tick retries
	}
	page[0] = 0xaa
	s.pages.Kfree(ctx, page)
}

func (s *Server) reportMetrics() {
	defer s.wg.Done()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			snap := s.metrics.Collect()
			fmt.Printf("[%s] buf hit=%.1f%% evict=%d rehome=%d | page alloc=%d free=%d steal=%d exhaust=%d\n",
				s.runID[:8], snap.HitRatio()*100, snap.BufEvictions, snap.BufRehomes,
				snap.PageAllocs, snap.PageFrees, snap.PageSteals, snap.PageExhaustions)
		}
	}
}
