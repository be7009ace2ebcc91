// Package checker owns one instance's check, end to end: mark it
// check_started, spawn `<exe> --check <host>`, read its IPC stdout, apply
// the verdict to the store, and always clear check_started on the way out.
// Grounded on the Rust original's CheckerHandle (construct-on-Acquire,
// finish-on-Drop) and the teacher's subprocess pipe/wait discipline in
// internal/supervisor.
package checker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"time"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/instance"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/ipc"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/metrics"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/store"
)

// Store is the subset of *store.Store the checker needs, so tests can swap
// in a fake.
type Store interface {
	StartChecking(host instance.Host) error
	FinishChecking(host instance.Host) error
	MarkAlive(host instance.Host) error
	MarkDead(host instance.Host) error
	MarkMoved(host, target instance.Host) error
	Reschedule(host instance.Host) error
	AddInstance(source, peer instance.Host) error
}

var _ Store = (*store.Store)(nil)

// Handle scopes one check: NewHandle marks the target check_started and
// Release clears the mark, mirroring the construct/Drop pairing of the Rust
// CheckerHandle.
type Handle struct {
	store  Store
	target instance.Host
	exe    string
}

// NewHandle marks target as check_started and returns a Handle whose Run
// method performs the actual check. The caller must call Release exactly
// once, typically via defer, regardless of whether Run succeeded.
func NewHandle(s Store, exe string, target instance.Host) (*Handle, error) {
	if err := s.StartChecking(target); err != nil {
		return nil, fmt.Errorf("checker: start_checking %s: %w", target, err)
	}
	return &Handle{store: s, target: target, exe: exe}, nil
}

// Release clears check_started. Errors are logged, never returned, matching
// the Rust Drop impl's "log and move on" behavior — by the time Release
// runs there's no longer a caller in a position to react to a failure here.
func (h *Handle) Release() {
	if err := h.store.FinishChecking(h.target); err != nil {
		log.Printf("checker: finish_checking %s: %v", h.target, err)
	}
}

// Run spawns the checker subprocess for h.target, reads its IPC stdout, and
// applies whatever verdict results to the store. If the subprocess itself
// could not be spawned, the instance is rescheduled (preserving its current
// cadence) rather than marked dead, since a spawn failure says nothing
// about the target's health.
func (h *Handle) Run(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ProbeDurationSeconds.Observe(time.Since(start).Seconds()) }()

	cmd := exec.CommandContext(ctx, h.exe, "--check", h.target.String())
	cmd.Stdin = nil
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return h.store.Reschedule(h.target)
	}
	if err := cmd.Start(); err != nil {
		return h.store.Reschedule(h.target)
	}

	applyErr := h.applyResponse(stdout)
	reapChild(cmd)

	return applyErr
}

// reapChild mirrors checker_handle.rs's try_wait/kill/try_wait sequence.
// Go has no non-blocking Wait, so it waits up to 100ms for the process to
// exit, kills it if it is still running after that, then waits once more to
// collect it.
func reapChild(cmd *exec.Cmd) {
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(100 * time.Millisecond):
	}
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			log.Printf("checker: failed to kill checker pid=%d: %v", cmd.Process.Pid, err)
		}
	}
	<-done
}

// applyResponse reads the subprocess's stdout and applies the resulting
// verdict, mirroring process_checker_response/process_peers.
func (h *Handle) applyResponse(stdout io.Reader) error {
	sc := ipc.LineReader(stdout)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			log.Printf("checker: reading stdout for %s: %v", h.target, err)
		}
		// No output at all: treat the same as an explicit DEAD verdict.
		return h.store.MarkDead(h.target)
	}

	msg, err := ipc.DecodeLine(sc.Bytes())
	if err != nil {
		return fmt.Errorf("checker: decode first line for %s: %w", h.target, err)
	}
	if msg.Kind != ipc.KindState {
		// Protocol violation: the first line must be a state line.
		_ = h.store.MarkDead(h.target)
		return fmt.Errorf("checker: expected a state line from %s, got a peer line", h.target)
	}

	switch msg.State {
	case ipc.StateAlive:
		if err := h.store.MarkAlive(h.target); err != nil {
			return fmt.Errorf("checker: mark_alive %s: %w", h.target, err)
		}
		return h.applyPeers(sc)
	case ipc.StateMoving:
		log.Printf("checker: %s is moving to %s", h.target, msg.To)
		return h.store.Reschedule(h.target)
	case ipc.StateMoved:
		log.Printf("checker: %s has moved to %s", h.target, msg.To)
		return h.store.MarkMoved(h.target, instance.NewHost(msg.To))
	default:
		return fmt.Errorf("checker: unhandled state %q from %s", msg.State, h.target)
	}
}

// applyPeers reads every remaining line as a peer announcement, the shape
// the protocol requires once the first line has reported "alive".
func (h *Handle) applyPeers(sc *bufio.Scanner) error {
	count := 0
	for sc.Scan() {
		msg, err := ipc.DecodeLine(sc.Bytes())
		if err != nil {
			return fmt.Errorf("checker: decode peer line for %s: %w", h.target, err)
		}
		if msg.Kind != ipc.KindPeer {
			return fmt.Errorf("checker: expected a peer line from %s, got a state line", h.target)
		}
		if err := h.store.AddInstance(h.target, instance.NewHost(msg.Peer)); err != nil {
			return fmt.Errorf("checker: add_instance %s -> %s: %w", h.target, msg.Peer, err)
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("checker: reading peer lines for %s: %w", h.target, err)
	}
	log.Printf("checker: %s has %d peers", h.target, count)
	return nil
}
