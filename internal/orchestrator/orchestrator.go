// Package orchestrator runs the crawler's main loop: pick the next instance
// due for a check, dispatch it to the pool, and periodically dispatch a
// list-generation snapshot, all wrapped in indefinite SQLITE_BUSY retry and
// a graceful drain on SIGINT/SIGTERM (spec §4.A/§4.F).
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/checker"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/instance"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/listgen"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/metrics"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/pool"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/store"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/timepolicy"
)

// threeSeconds is the longest the main loop will sleep in one go before
// re-checking for a closer-to-due instance, so a freshly discovered
// instance with a near-term check time is never stuck behind a long sleep.
const threeSeconds = 3 * time.Second

// Store is the subset of *store.Store the orchestrator loop drives. It
// embeds the narrower interfaces checker and listgen depend on, so one
// fake can satisfy all three without any runtime type assertions.
type Store interface {
	checker.Store
	listgen.Store
	PickNextInstance() (host instance.Host, nextCheck time.Time, ok bool, err error)
}

var _ Store = (*store.Store)(nil)

// Orchestrator owns one run of the main loop against one store.
type Orchestrator struct {
	store     Store
	pool      *pool.Pool
	checkerExe string
	listPath  string

	terminate atomic.Bool
}

// New builds an Orchestrator. checkerExe is the path to the binary to
// re-exec with "--check <host>" for each probe; listPath is where the list
// generator writes its periodic snapshot.
func New(s Store, p *pool.Pool, checkerExe, listPath string) *Orchestrator {
	return &Orchestrator{store: s, pool: p, checkerExe: checkerExe, listPath: listPath}
}

// Stop requests a graceful shutdown: the loop finishes its current
// iteration, then drains the pool before Run returns. Safe to call from a
// signal handler.
func (o *Orchestrator) Stop() {
	o.terminate.Store(true)
}

// Run executes the main loop until Stop is called, then drains the pool and
// returns. The per-iteration body runs under RetryIndefinitely: any
// SQLITE_BUSY is retried rather than treated as a fatal error, since the
// orchestrator and its own pool workers share one SQLite file.
func (o *Orchestrator) Run(ctx context.Context) error {
	nextListGeneration := time.Now()

	for {
		err := store.RetryIndefinitely(func() error {
			return o.iterate(ctx, &nextListGeneration)
		})
		if err != nil {
			return fmt.Errorf("orchestrator: iteration: %w", err)
		}
		if o.terminate.Load() {
			log.Println("orchestrator: shutting down gracefully...")
			break
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return o.pool.Drain(drainCtx)
}

// iterate runs one pass of the loop body: maybe dispatch a list generation,
// then pick, wait for, reschedule, and dispatch the next check.
func (o *Orchestrator) iterate(ctx context.Context, nextListGeneration *time.Time) error {
	if !nextListGeneration.After(time.Now()) {
		o.dispatchListGeneration()
		*nextListGeneration = timepolicy.InAboutSixHours(time.Now())
	}

	host, checkTime, ok, err := o.store.PickNextInstance()
	if err != nil {
		return fmt.Errorf("pick next instance: %w", err)
	}
	if !ok {
		// No candidate (the table is empty or every instance is mid-check):
		// back off briefly rather than spinning.
		time.Sleep(threeSeconds)
		return nil
	}

	wait := time.Until(checkTime)
	if wait <= 0 {
		// check_time has already passed; a small wait keeps many overdue
		// instances from firing all at once against one hosting provider.
		wait = 100 * time.Millisecond
	}
	if wait > threeSeconds {
		time.Sleep(threeSeconds)
		return nil
	}
	time.Sleep(wait)

	// Reschedule before dispatch, so the instance isn't immediately picked
	// again while this check is still in flight.
	if err := o.store.Reschedule(host); err != nil {
		return fmt.Errorf("reschedule %s: %w", host, err)
	}

	o.dispatchCheck(ctx, host)
	return nil
}

func (o *Orchestrator) dispatchCheck(ctx context.Context, host instance.Host) {
	err := o.pool.Submit(ctx, func() {
		runCheckSafely(ctx, o.store, o.checkerExe, host)
	})
	if err != nil {
		log.Printf("orchestrator: failed to dispatch check for %s: %v", host, err)
	}
}

func (o *Orchestrator) dispatchListGeneration() {
	err := o.pool.Submit(context.Background(), func() {
		runListGenerationSafely(o.store, o.listPath)
	})
	if err != nil {
		log.Printf("orchestrator: failed to dispatch list generation: %v", err)
	}
}

// runCheckSafely mirrors the Rust original's catch_unwind around each
// dispatched checker task: a panic in one check must never take down the
// pool or the orchestrator loop.
func runCheckSafely(ctx context.Context, s checker.Store, exe string, host instance.Host) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("orchestrator: checker for %s panicked: %v", host, r)
		}
	}()

	h, err := checker.NewHandle(s, exe, host)
	if err != nil {
		log.Printf("orchestrator: checker handle for %s: %v", host, err)
		metrics.ProbeVerdictsTotal.WithLabelValues("handle_error").Inc()
		return
	}
	defer h.Release()

	if err := h.Run(ctx); err != nil {
		log.Printf("orchestrator: checker error for %s: %v", host, err)
	}
}

// runListGenerationSafely mirrors the same catch_unwind discipline for the
// periodic snapshot task.
func runListGenerationSafely(s listgen.Store, listPath string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("orchestrator: list generator panicked: %v", r)
		}
	}()
	if err := listgen.Generate(context.Background(), s, listPath); err != nil {
		log.Printf("orchestrator: list generator error: %v", err)
	}
}
