package store

import (
	"math/rand"
	"strings"
	"time"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/metrics"
)

// isBusyErr reports whether err looks like SQLITE_BUSY / "database is
// locked". modernc.org/sqlite's error message embeds the SQLite result code
// text, so a substring match is the portable way to detect it without
// depending on the driver's internal error type.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked")
}

// jitterSleep sleeps a uniformly random duration in [1ms, 50ms), the same
// window the Rust original uses (fastrand::u64(1..50) milliseconds).
func jitterSleep() {
	metrics.StoreBusyRetriesTotal.Inc()
	time.Sleep(time.Duration(1+rand.Intn(49)) * time.Millisecond)
}

// RetryIndefinitely wraps f, retrying forever on SQLITE_BUSY with a
// randomized 1-50ms sleep between attempts and propagating any other error
// immediately. Used by the orchestrator's main loop, which wants to out-wait
// transient contention with pool workers rather than give up (spec §4.B).
func RetryIndefinitely(f func() error) error {
	for {
		err := f()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		jitterSleep()
	}
}

// RetryBounded is RetryIndefinitely capped at 100 attempts, after which the
// 100th error (busy or not) is returned to the caller.
func RetryBounded(f func() error) error {
	var err error
	for i := 0; i < 100; i++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		jitterSleep()
	}
	return err
}
