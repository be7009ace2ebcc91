package checker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/instance"
)

// fakeStore records every call the checker makes, so tests can assert on
// verdict application without a real SQLite file.
type fakeStore struct {
	started, finished []instance.Host
	alive, dead       []instance.Host
	moved             map[instance.Host]instance.Host
	rescheduled       []instance.Host
	added             map[instance.Host][]instance.Host
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		moved: make(map[instance.Host]instance.Host),
		added: make(map[instance.Host][]instance.Host),
	}
}

func (f *fakeStore) StartChecking(h instance.Host) error {
	f.started = append(f.started, h)
	return nil
}
func (f *fakeStore) FinishChecking(h instance.Host) error {
	f.finished = append(f.finished, h)
	return nil
}
func (f *fakeStore) MarkAlive(h instance.Host) error {
	f.alive = append(f.alive, h)
	return nil
}
func (f *fakeStore) MarkDead(h instance.Host) error {
	f.dead = append(f.dead, h)
	return nil
}
func (f *fakeStore) MarkMoved(h, target instance.Host) error {
	f.moved[h] = target
	return nil
}
func (f *fakeStore) Reschedule(h instance.Host) error {
	f.rescheduled = append(f.rescheduled, h)
	return nil
}
func (f *fakeStore) AddInstance(source, peer instance.Host) error {
	f.added[source] = append(f.added[source], peer)
	return nil
}

// TestMain lets this test binary masquerade as the "--check" subprocess
// when invoked with CHECKER_TEST_HELPER_PROCESS set, the standard Go
// technique for testing exec.Command behavior without a separate binary.
func TestMain(m *testing.M) {
	if os.Getenv("CHECKER_TEST_HELPER_PROCESS") == "1" {
		runHelperProcess()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperProcess() {
	switch os.Getenv("CHECKER_TEST_HELPER_OUTPUT") {
	case "alive_with_peers":
		fmt.Println(`{"state":"alive"}`)
		fmt.Println(`{"peer":"b.example"}`)
		fmt.Println(`{"peer":"a.example"}`)
	case "moved":
		fmt.Println(`{"state":"moved","to":"new-home.example"}`)
	case "moving":
		fmt.Println(`{"state":"moving","to":"new-home.example"}`)
	case "empty":
		// produce nothing
	case "protocol_violation":
		fmt.Println(`{"peer":"a.example"}`)
	}
}

func helperCommandExe(t *testing.T, output string) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	t.Setenv("CHECKER_TEST_HELPER_PROCESS", "1")
	t.Setenv("CHECKER_TEST_HELPER_OUTPUT", output)
	return exe
}

// runWithHelper wraps NewHandle+Run+Release the way the orchestrator does,
// but substitutes a fake Store and the test-helper-process trick for the
// real --check subprocess.
func runWithHelper(t *testing.T, output string) (*fakeStore, error) {
	t.Helper()
	exe := helperCommandExe(t, output)
	fs := newFakeStore()
	h, err := NewHandle(fs, exe, instance.NewHost("target.example"))
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	defer h.Release()
	runErr := h.Run(context.Background())
	return fs, runErr
}

func TestRunAliveWithPeersMarksAliveAndAddsPeers(t *testing.T) {
	fs, err := runWithHelper(t, "alive_with_peers")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.alive) != 1 || fs.alive[0] != instance.NewHost("target.example") {
		t.Fatalf("alive = %v", fs.alive)
	}
	peers := fs.added[instance.NewHost("target.example")]
	if len(peers) != 2 {
		t.Fatalf("added peers = %v", peers)
	}
}

func TestRunMovedMarksMoved(t *testing.T) {
	fs, err := runWithHelper(t, "moved")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	to, ok := fs.moved[instance.NewHost("target.example")]
	if !ok || to != instance.NewHost("new-home.example") {
		t.Fatalf("moved = %v", fs.moved)
	}
}

func TestRunMovingOnlyReschedules(t *testing.T) {
	fs, err := runWithHelper(t, "moving")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.rescheduled) != 1 {
		t.Fatalf("rescheduled = %v", fs.rescheduled)
	}
	if len(fs.moved) != 0 {
		t.Fatalf("moving must not touch moved/moving state: %v", fs.moved)
	}
}

func TestRunEmptyOutputMarksDead(t *testing.T) {
	fs, err := runWithHelper(t, "empty")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.dead) != 1 {
		t.Fatalf("dead = %v", fs.dead)
	}
}

func TestRunProtocolViolationMarksDeadAndErrors(t *testing.T) {
	fs, err := runWithHelper(t, "protocol_violation")
	if err == nil {
		t.Fatalf("expected a protocol violation error")
	}
	if !strings.Contains(err.Error(), "peer line") {
		t.Fatalf("err = %v", err)
	}
	if len(fs.dead) != 1 {
		t.Fatalf("dead = %v", fs.dead)
	}
}

func TestRunSpawnFailureReschedules(t *testing.T) {
	fs := newFakeStore()
	h, err := NewHandle(fs, "/nonexistent/path/to/checker", instance.NewHost("target.example"))
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	defer h.Release()
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run should swallow spawn errors into a reschedule, got: %v", err)
	}
	if len(fs.rescheduled) != 1 {
		t.Fatalf("rescheduled = %v", fs.rescheduled)
	}
}

func TestHandleAlwaysReleases(t *testing.T) {
	fs, _ := runWithHelper(t, "empty")
	if len(fs.started) != 1 || len(fs.finished) != 1 {
		t.Fatalf("started=%v finished=%v", fs.started, fs.finished)
	}
}
