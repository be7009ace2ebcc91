// Package instance defines the small sum types shared by the store, the
// probe IPC protocol, and the orchestrator: instance lifecycle states and
// probe verdicts.
package instance

import (
	"fmt"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/hostnorm"
)

// Host is a DNS-style hostname (domain or IP literal). Equality and storage
// is by lowercased (and, for non-ASCII labels, punycoded) string form.
type Host string

// NewHost normalizes raw into canonical Host form.
func NewHost(raw string) Host {
	return Host(hostnorm.Normalize(raw))
}

func (h Host) String() string { return string(h) }

// State is one of the six lifecycle states an instance can be in. Stored in
// the database as a small integer for forward compatibility.
type State int

const (
	Discovered State = 0
	Alive      State = 1
	Dying      State = 2
	Dead       State = 3
	Moving     State = 4
	Moved      State = 5
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Alive:
		return "alive"
	case Dying:
		return "dying"
	case Dead:
		return "dead"
	case Moving:
		return "moving"
	case Moved:
		return "moved"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseState validates a raw integer read back from the instances.state
// column, rejecting anything outside the six known variants.
func ParseState(i int) (State, error) {
	switch State(i) {
	case Discovered, Alive, Dying, Dead, Moving, Moved:
		return State(i), nil
	default:
		return 0, fmt.Errorf("instance: invalid state code %d", i)
	}
}

// Cadence names the distribution a next-check instant is drawn from.
type Cadence int

const (
	CadenceToday Cadence = iota
	CadenceDaily
	CadenceWeekly
)

// CadenceFor returns the cadence used to reschedule an instance after a
// PROBE-FAILED outcome, based on its current state (spec §4.B reschedule).
func CadenceFor(s State) Cadence {
	switch s {
	case Dead, Moved:
		return CadenceWeekly
	default:
		return CadenceDaily
	}
}

// VerdictKind tags the outcome a probe delivered for one instance.
type VerdictKind int

const (
	VerdictAlive VerdictKind = iota
	VerdictDead
	VerdictMoving
	VerdictMoved
	VerdictProbeFailed
)

// Verdict is the tagged union the orchestrator applies to the store after a
// probe runs (or fails to run). To is only meaningful for VerdictMoved.
type Verdict struct {
	Kind VerdictKind
	To   Host
}
