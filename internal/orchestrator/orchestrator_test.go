package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/instance"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/pool"
)

// fakeStore is an in-memory stand-in implementing orchestrator.Store (and
// therefore checker.Store and listgen.Store) so the loop can be exercised
// without a real SQLite file.
type fakeStore struct {
	mu sync.Mutex

	queue          []queuedHost
	rescheduled    []instance.Host
	started        []instance.Host
	alive          []instance.Host
	counts         map[instance.State]int
	hostnamesByState map[instance.State][]string
}

type queuedHost struct {
	host instance.Host
	at   time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counts:           map[instance.State]int{},
		hostnamesByState: map[instance.State][]string{},
	}
}

func (f *fakeStore) PickNextInstance() (instance.Host, time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return "", time.Time{}, false, nil
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next.host, next.at, true, nil
}

func (f *fakeStore) Reschedule(h instance.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled = append(f.rescheduled, h)
	return nil
}
func (f *fakeStore) StartChecking(h instance.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, h)
	return nil
}
func (f *fakeStore) FinishChecking(h instance.Host) error { return nil }
func (f *fakeStore) MarkAlive(h instance.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = append(f.alive, h)
	return nil
}
func (f *fakeStore) MarkDead(h instance.Host) error               { return nil }
func (f *fakeStore) MarkMoved(h, target instance.Host) error      { return nil }
func (f *fakeStore) AddInstance(source, peer instance.Host) error { return nil }
func (f *fakeStore) CountsByState() (map[instance.State]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts, nil
}
func (f *fakeStore) HostnamesByState(ctx context.Context, st instance.State) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hostnamesByState[st], nil
}

func TestIterateDispatchesDueInstanceAndReschedulesFirst(t *testing.T) {
	fs := newFakeStore()
	fs.queue = append(fs.queue, queuedHost{host: instance.NewHost("due.example"), at: time.Now().Add(-time.Second)})

	p := pool.New(1000)
	o := New(fs, p, os.Args[0], filepath.Join(t.TempDir(), "instances.json"))

	next := time.Now()
	if err := o.iterate(context.Background(), &next); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		done := len(fs.rescheduled) == 1 && len(fs.started) == 1
		fs.mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected a reschedule and a dispatched check, got rescheduled=%v started=%v", fs.rescheduled, fs.started)
}

func TestIterateWithNothingDueSleepsAndReturns(t *testing.T) {
	fs := newFakeStore()
	p := pool.New(1000)
	o := New(fs, p, os.Args[0], filepath.Join(t.TempDir(), "instances.json"))

	start := time.Now()
	next := time.Now().Add(time.Hour)
	if err := o.iterate(context.Background(), &next); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if time.Since(start) < threeSeconds-100*time.Millisecond {
		t.Fatalf("expected iterate to back off ~3s with nothing due, took %v", time.Since(start))
	}
}

func TestIterateDispatchesListGenerationWhenDue(t *testing.T) {
	fs := newFakeStore()
	p := pool.New(1000)
	listPath := filepath.Join(t.TempDir(), "instances.json")
	o := New(fs, p, os.Args[0], listPath)

	past := time.Now().Add(-time.Minute)
	if err := o.iterate(context.Background(), &past); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if !past.After(time.Now()) {
		t.Fatalf("expected nextListGeneration to be pushed into the future, got %v", past)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(listPath); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected list generation to have written %s", listPath)
}

func TestStopDrainsPoolAfterCurrentIteration(t *testing.T) {
	fs := newFakeStore()
	p := pool.New(1000)
	o := New(fs, p, os.Args[0], filepath.Join(t.TempDir(), "instances.json"))

	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(context.Background()) }()

	// Let the loop enter its first (idle, 3s) iteration, then ask it to stop.
	time.Sleep(50 * time.Millisecond)
	o.Stop()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
