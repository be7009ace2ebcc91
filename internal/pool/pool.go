// Package pool implements the orchestrator's checker dispatch pool: a
// small number of constant workers that autoscale up to a hard ceiling
// under load and shut themselves back down after sitting idle, the same
// shape as the Rust original's rusty_pool::ThreadPool but built on plain
// goroutines and channels.
package pool

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/metrics"
)

const (
	// ConstantWorkers is the minimum number of workers kept alive at all
	// times, waiting for work or performing it.
	ConstantWorkers = 1
	// MaxWorkers bounds how many checks can run concurrently.
	MaxWorkers = 128
	// MaxWorkerIdleTime is how long a non-constant worker waits for work
	// before shutting itself down.
	MaxWorkerIdleTime = 3 * time.Second
)

// Pool dispatches tasks (checker runs, list-generator runs) onto a bounded,
// autoscaling set of worker goroutines.
type Pool struct {
	tasks     chan func()
	limiter   *rate.Limiter
	workers   int64 // atomic
	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a pool with ConstantWorkers already running and a global
// dispatch rate capped at spawnRatePerSecond — a process-wide throttle on
// how fast checker subprocesses get spawned, not a per-target limit (the
// per-target case remains explicitly out of scope).
func New(spawnRatePerSecond float64) *Pool {
	burst := int(spawnRatePerSecond) + 1
	p := &Pool{
		tasks:   make(chan func()),
		limiter: rate.NewLimiter(rate.Limit(spawnRatePerSecond), burst),
		closing: make(chan struct{}),
	}
	for i := 0; i < ConstantWorkers; i++ {
		p.spawnWorker(true)
	}
	return p
}

func (p *Pool) spawnWorker(constant bool) {
	atomic.AddInt64(&p.workers, 1)
	metrics.PoolWorkers.Inc()
	p.wg.Add(1)
	go p.workerLoop(constant)
}

func (p *Pool) workerLoop(constant bool) {
	defer p.wg.Done()
	defer func() {
		atomic.AddInt64(&p.workers, -1)
		metrics.PoolWorkers.Dec()
	}()

	idle := time.NewTimer(MaxWorkerIdleTime)
	defer idle.Stop()

	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			runTaskSafely(task)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(MaxWorkerIdleTime)
		case <-idle.C:
			if constant {
				idle.Reset(MaxWorkerIdleTime)
				continue
			}
			return
		case <-p.closing:
			return
		}
	}
}

// runTaskSafely recovers a panicking task so one bad check can never bring
// down the whole pool.
func runTaskSafely(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pool: task panicked: %v", r)
		}
	}()
	task()
}

// Submit waits for a spawn-rate token, then hands task to an idle worker,
// growing the pool (up to MaxWorkers) if none is immediately available.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	select {
	case p.tasks <- task:
		return nil
	default:
	}

	if atomic.LoadInt64(&p.workers) < MaxWorkers {
		p.spawnWorker(false)
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting new work and waits for every worker to finish its
// current task and exit. The wait is tracked through an errgroup so a
// caller-supplied deadline on ctx surfaces as a group error instead of
// Drain blocking forever on a wedged task.
func (p *Pool) Drain(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closing) })
	close(p.tasks)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	return g.Wait()
}

// Workers reports the current live worker count, for diagnostics.
func (p *Pool) Workers() int64 {
	return atomic.LoadInt64(&p.workers)
}
