// Package store implements the durable scheduling store described in spec
// §3/§4.B: instances, per-state side tables, and the scheduling index,
// behind a set of transactional mutators that encode the state machine of
// spec §4.C.
//
// The file is organized the way the teacher's internal/dvbdb package is:
// one file holding the type + lifecycle (open/init/close), with mutators
// grouped below it in the order the spec lists them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/instance"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/metrics"
	schema "github.com/Salanoid/minoru-fediverse-crawler/internal/store/sqlite"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/timepolicy"
)

// BusyTimeout is the SQLITE busy_timeout applied on every connection, large
// enough that the orchestrator out-waits incidental contention with its own
// pool workers (spec §4.F).
const BusyTimeout = 60 * time.Second

// Store wraps a *sql.DB pointed at one SQLite file. The orchestrator opens
// one long-lived Store and shares it with every checker handle it
// dispatches.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path in WAL mode with
// BusyTimeout applied via the connection DSN, the same `_pragma=...` style
// the pack's other modernc.org/sqlite consumers use.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		path, BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite tolerates exactly one writer; a single pooled connection avoids
	// spurious SQLITE_BUSY between goroutines sharing *sql.DB within this
	// process (the real cross-process contention is still handled by
	// busy_timeout + the retry helpers).
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Init idempotently creates the schema, seeds the six state rows, inserts
// the bootstrap hostname if absent, and clears every check_started marker —
// the crash-recovery step for instances left mid-probe when the process
// last died (spec §4.B, invariant 5, scenario 7).
func (s *Store) Init(seedHost instance.Host) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: init: begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(schema.Schema) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: init: exec schema: %w", err)
		}
	}
	if _, err := tx.Exec(schema.SeedBootstrapHostStmt, string(seedHost)); err != nil {
		return fmt.Errorf("store: init: seed bootstrap host: %w", err)
	}
	if _, err := tx.Exec(`UPDATE instances SET check_started = NULL WHERE check_started IS NOT NULL`); err != nil {
		return fmt.Errorf("store: init: clear check_started: %w", err)
	}

	return tx.Commit()
}

// RescheduleMissedChecks sets next_check_datetime to a fresh rand-today
// value for every instance whose schedule has already passed, spreading
// pent-up work over the rest of the day instead of firing it all at once on
// restart (spec §4.B).
func (s *Store) RescheduleMissedChecks() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: reschedule_missed_checks: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM instances WHERE next_check_datetime < ?`, nowUnix())
	if err != nil {
		return fmt.Errorf("store: reschedule_missed_checks: select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("store: reschedule_missed_checks: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: reschedule_missed_checks: rows: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		next := timepolicy.Today(time.Now())
		if _, err := tx.Exec(`UPDATE instances SET next_check_datetime = ? WHERE id = ?`, next.Unix(), id); err != nil {
			return fmt.Errorf("store: reschedule_missed_checks: update %d: %w", id, err)
		}
	}

	return tx.Commit()
}

// AddInstance upserts peer with a rand-today schedule, recording
// discovered_via on insert. It is a no-op if peer already exists (spec
// §4.B, invariant 5: idempotent, discovered_via unchanged on repeats).
func (s *Store) AddInstance(source, peer instance.Host) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: add_instance: begin: %w", err)
	}
	defer tx.Rollback()

	sourceID, err := getInstanceID(tx, source)
	if err != nil {
		return fmt.Errorf("store: add_instance: source id: %w", err)
	}

	next := timepolicy.Today(time.Now())
	res, err := tx.Exec(
		`INSERT OR IGNORE INTO instances(hostname, next_check_datetime, discovered_via) VALUES (?, ?, ?)`,
		string(peer), next.Unix(), sourceID,
	)
	if err != nil {
		return fmt.Errorf("store: add_instance: insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.InstancesDiscoveredTotal.Inc()
	}

	return tx.Commit()
}

// MarkAlive transitions instance to Alive: every non-Alive side-table row is
// deleted, state becomes Alive, and the next check is scheduled daily (spec
// §4.B/§4.C).
func (s *Store) MarkAlive(host instance.Host) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: mark_alive: begin: %w", err)
	}
	defer tx.Rollback()

	id, err := getInstanceID(tx, host)
	if err != nil {
		return fmt.Errorf("store: mark_alive: id: %w", err)
	}
	if err := clearSideTables(tx, id); err != nil {
		return fmt.Errorf("store: mark_alive: clear side tables: %w", err)
	}

	now := time.Now()
	next := timepolicy.Daily(now)
	if _, err := tx.Exec(
		`UPDATE instances SET state = ?, last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
		int(instance.Alive), now.Unix(), next.Unix(), id,
	); err != nil {
		return fmt.Errorf("store: mark_alive: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.ProbeVerdictsTotal.WithLabelValues("alive").Inc()
	return nil
}

// MarkDead applies the DEAD verdict per the transition table in spec §4.C.
func (s *Store) MarkDead(host instance.Host) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: mark_dead: begin: %w", err)
	}
	defer tx.Rollback()

	id, err := getInstanceID(tx, host)
	if err != nil {
		return fmt.Errorf("store: mark_dead: id: %w", err)
	}
	st, err := getInstanceState(tx, id)
	if err != nil {
		return fmt.Errorf("store: mark_dead: state: %w", err)
	}
	now := time.Now()

	switch st {
	case instance.Discovered, instance.Alive, instance.Moving, instance.Moved:
		if err := deleteSideTable(tx, "moving_state_data", id); err != nil {
			return err
		}
		if err := deleteSideTable(tx, "moved_state_data", id); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO dying_state_data(instance, dying_since) VALUES (?, ?)`,
			id, now.Unix(),
		); err != nil {
			return fmt.Errorf("store: mark_dead: insert dying_state_data: %w", err)
		}
		next := timepolicy.Daily(now)
		if _, err := tx.Exec(
			`UPDATE instances SET state = ?, last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
			int(instance.Dying), now.Unix(), next.Unix(), id,
		); err != nil {
			return fmt.Errorf("store: mark_dead: update to dying: %w", err)
		}

	case instance.Dying:
		if _, err := tx.Exec(
			`UPDATE dying_state_data SET failed_checks_count = failed_checks_count + 1 WHERE instance = ?`,
			id,
		); err != nil {
			return fmt.Errorf("store: mark_dead: increment counter: %w", err)
		}
		var checksCount int
		var since int64
		if err := tx.QueryRow(
			`SELECT failed_checks_count, dying_since FROM dying_state_data WHERE instance = ?`, id,
		).Scan(&checksCount, &since); err != nil {
			return fmt.Errorf("store: mark_dead: select dying_state_data: %w", err)
		}
		weekAgo := now.Add(-7 * 24 * time.Hour).Unix()
		// NOTE: "since > weekAgo" (true during the *first* week, false after)
		// is the comparison the original Rust source uses. It reads inverted
		// from the intended "promote after a week of sustained failure", but
		// this is faithful reproduction per spec §4.C / §9.
		if checksCount > 7 && since > weekAgo {
			if err := deleteSideTable(tx, "dying_state_data", id); err != nil {
				return err
			}
			next := timepolicy.Weekly(now)
			if _, err := tx.Exec(
				`UPDATE instances SET state = ?, last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
				int(instance.Dead), now.Unix(), next.Unix(), id,
			); err != nil {
				return fmt.Errorf("store: mark_dead: promote to dead: %w", err)
			}
		} else {
			next := timepolicy.Daily(now)
			if _, err := tx.Exec(
				`UPDATE instances SET last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
				now.Unix(), next.Unix(), id,
			); err != nil {
				return fmt.Errorf("store: mark_dead: reschedule dying: %w", err)
			}
		}

	case instance.Dead:
		next := timepolicy.Weekly(now)
		if _, err := tx.Exec(
			`UPDATE instances SET last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
			now.Unix(), next.Unix(), id,
		); err != nil {
			return fmt.Errorf("store: mark_dead: reschedule dead: %w", err)
		}

	default:
		return fmt.Errorf("store: mark_dead: unexpected state %s", st)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.ProbeVerdictsTotal.WithLabelValues("dead").Inc()
	return nil
}

// MarkMoved applies the MOVED verdict per the transition table in spec
// §4.C. target is upserted into the instance table on demand if this is the
// first time it has been observed.
func (s *Store) MarkMoved(host, target instance.Host) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: mark_moved: begin: %w", err)
	}
	defer tx.Rollback()

	id, err := getInstanceID(tx, host)
	if err != nil {
		return fmt.Errorf("store: mark_moved: id: %w", err)
	}
	st, err := getInstanceState(tx, id)
	if err != nil {
		return fmt.Errorf("store: mark_moved: state: %w", err)
	}
	now := time.Now()

	switch st {
	case instance.Discovered, instance.Alive, instance.Dying, instance.Dead:
		if err := deleteSideTable(tx, "dying_state_data", id); err != nil {
			return err
		}
		targetID, err := upsertDiscovered(tx, target)
		if err != nil {
			return fmt.Errorf("store: mark_moved: upsert target: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO moving_state_data(instance, moving_since, moving_to) VALUES (?, ?, ?)`,
			id, now.Unix(), targetID,
		); err != nil {
			return fmt.Errorf("store: mark_moved: insert moving_state_data: %w", err)
		}
		next := timepolicy.Daily(now)
		if _, err := tx.Exec(
			`UPDATE instances SET state = ?, last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
			int(instance.Moving), now.Unix(), next.Unix(), id,
		); err != nil {
			return fmt.Errorf("store: mark_moved: update to moving: %w", err)
		}

	case instance.Moving:
		targetID, err := getInstanceID(tx, target)
		if err != nil {
			// Target has never been seen before even though we're already
			// Moving somewhere; treat it the same as a brand new redirect.
			targetID, err = upsertDiscovered(tx, target)
			if err != nil {
				return fmt.Errorf("store: mark_moved: upsert unseen target: %w", err)
			}
		}
		var currentTo int64
		if err := tx.QueryRow(`SELECT moving_to FROM moving_state_data WHERE instance = ?`, id).Scan(&currentTo); err != nil {
			return fmt.Errorf("store: mark_moved: select moving_to: %w", err)
		}

		if currentTo == targetID {
			if _, err := tx.Exec(
				`UPDATE moving_state_data SET redirects_count = redirects_count + 1 WHERE instance = ?`,
				id,
			); err != nil {
				return fmt.Errorf("store: mark_moved: increment redirects: %w", err)
			}
			var redirectsCount int
			var since int64
			if err := tx.QueryRow(
				`SELECT redirects_count, moving_since FROM moving_state_data WHERE instance = ?`, id,
			).Scan(&redirectsCount, &since); err != nil {
				return fmt.Errorf("store: mark_moved: select moving_state_data: %w", err)
			}
			weekAgo := now.Add(-7 * 24 * time.Hour).Unix()
			// Same faithful-source inequality as mark_dead's Dying branch;
			// see the NOTE there and spec §9.
			if redirectsCount > 7 && since > weekAgo {
				if err := deleteSideTable(tx, "moving_state_data", id); err != nil {
					return err
				}
				if _, err := tx.Exec(
					`INSERT INTO moved_state_data(instance, moved_to) VALUES (?, ?)`,
					id, targetID,
				); err != nil {
					return fmt.Errorf("store: mark_moved: insert moved_state_data: %w", err)
				}
				next := timepolicy.Weekly(now)
				if _, err := tx.Exec(
					`UPDATE instances SET state = ?, last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
					int(instance.Moved), now.Unix(), next.Unix(), id,
				); err != nil {
					return fmt.Errorf("store: mark_moved: promote to moved: %w", err)
				}
			} else {
				next := timepolicy.Daily(now)
				if _, err := tx.Exec(
					`UPDATE instances SET last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
					now.Unix(), next.Unix(), id,
				); err != nil {
					return fmt.Errorf("store: mark_moved: reschedule moving: %w", err)
				}
			}
		} else {
			// Redirected somewhere new; restart the counters (spec scenario 6).
			if _, err := tx.Exec(
				`UPDATE moving_state_data SET moving_since = ?, redirects_count = 1, moving_to = ? WHERE instance = ?`,
				now.Unix(), targetID, id,
			); err != nil {
				return fmt.Errorf("store: mark_moved: restart counters: %w", err)
			}
			next := timepolicy.Daily(now)
			if _, err := tx.Exec(
				`UPDATE instances SET last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
				now.Unix(), next.Unix(), id,
			); err != nil {
				return fmt.Errorf("store: mark_moved: reschedule redirected moving: %w", err)
			}
		}

	case instance.Moved:
		next := timepolicy.Weekly(now)
		if _, err := tx.Exec(
			`UPDATE instances SET last_check_datetime = ?, next_check_datetime = ? WHERE id = ?`,
			now.Unix(), next.Unix(), id,
		); err != nil {
			return fmt.Errorf("store: mark_moved: reschedule moved: %w", err)
		}

	default:
		return fmt.Errorf("store: mark_moved: unexpected state %s", st)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.ProbeVerdictsTotal.WithLabelValues("moved").Inc()
	return nil
}

// Reschedule picks a new next_check_datetime using the cadence of the
// instance's current state, without changing state or side-table data. Used
// when the probe itself failed to produce a verdict (spec §4.B).
func (s *Store) Reschedule(host instance.Host) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: reschedule: begin: %w", err)
	}
	defer tx.Rollback()

	id, err := getInstanceID(tx, host)
	if err != nil {
		return fmt.Errorf("store: reschedule: id: %w", err)
	}
	st, err := getInstanceState(tx, id)
	if err != nil {
		return fmt.Errorf("store: reschedule: state: %w", err)
	}

	now := time.Now()
	var next time.Time
	switch instance.CadenceFor(st) {
	case instance.CadenceWeekly:
		next = timepolicy.Weekly(now)
	default:
		next = timepolicy.Daily(now)
	}

	if _, err := tx.Exec(`UPDATE instances SET next_check_datetime = ? WHERE id = ?`, next.Unix(), id); err != nil {
		return fmt.Errorf("store: reschedule: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.ProbeVerdictsTotal.WithLabelValues("probe_failed").Inc()
	return nil
}

// StartChecking sets check_started = now, the advisory mark that keeps
// pick_next_instance from re-dispatching an in-flight probe.
func (s *Store) StartChecking(host instance.Host) error {
	_, err := s.db.Exec(`UPDATE instances SET check_started = ? WHERE hostname = ?`, nowUnix(), string(host))
	if err != nil {
		return fmt.Errorf("store: start_checking: %w", err)
	}
	return nil
}

// FinishChecking clears check_started. Errors from this call are logged by
// the caller, never propagated, per spec §4.E.
func (s *Store) FinishChecking(host instance.Host) error {
	_, err := s.db.Exec(`UPDATE instances SET check_started = NULL WHERE hostname = ?`, string(host))
	if err != nil {
		return fmt.Errorf("store: finish_checking: %w", err)
	}
	return nil
}

// PickNextInstance returns the hostname with the earliest
// next_check_datetime among rows with check_started IS NULL. ok is false
// when no candidate exists.
func (s *Store) PickNextInstance() (host instance.Host, nextCheck time.Time, ok bool, err error) {
	var hostname string
	var next int64
	row := s.db.QueryRow(
		`SELECT hostname, next_check_datetime FROM instances
		WHERE check_started IS NULL
		ORDER BY next_check_datetime ASC, id ASC
		LIMIT 1`,
	)
	switch scanErr := row.Scan(&hostname, &next); scanErr {
	case nil:
		return instance.Host(hostname), time.Unix(next, 0), true, nil
	case sql.ErrNoRows:
		return "", time.Time{}, false, nil
	default:
		return "", time.Time{}, false, fmt.Errorf("store: pick_next_instance: %w", scanErr)
	}
}

// CountsByState returns the number of instances in each state, for the
// list generator and the metrics gauges.
func (s *Store) CountsByState() (map[instance.State]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM instances GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("store: counts_by_state: %w", err)
	}
	defer rows.Close()

	out := make(map[instance.State]int, 6)
	for rows.Next() {
		var code, count int
		if err := rows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("store: counts_by_state: scan: %w", err)
		}
		st, err := instance.ParseState(code)
		if err != nil {
			return nil, fmt.Errorf("store: counts_by_state: %w", err)
		}
		out[st] = count
	}
	return out, rows.Err()
}

// HostnamesByState lists every hostname currently in state st, used by the
// list generator (spec §4.G).
func (s *Store) HostnamesByState(ctx context.Context, st instance.State) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hostname FROM instances WHERE state = ? ORDER BY hostname`, int(st))
	if err != nil {
		return nil, fmt.Errorf("store: hostnames_by_state: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("store: hostnames_by_state: scan: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- internal helpers ---

func nowUnix() int64 { return time.Now().Unix() }

func getInstanceID(tx *sql.Tx, host instance.Host) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM instances WHERE hostname = ?`, string(host)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup %q: %w", host, err)
	}
	return id, nil
}

func getInstanceState(tx *sql.Tx, id int64) (instance.State, error) {
	var code int
	if err := tx.QueryRow(`SELECT state FROM instances WHERE id = ?`, id).Scan(&code); err != nil {
		return 0, fmt.Errorf("lookup state for id %d: %w", id, err)
	}
	return instance.ParseState(code)
}

// upsertDiscovered inserts host as a fresh Discovered instance if it
// doesn't exist yet (spec invariant 4: moving_to/moved_to always references
// an existing row), returning its id either way.
func upsertDiscovered(tx *sql.Tx, host instance.Host) (int64, error) {
	next := timepolicy.Today(time.Now())
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO instances(hostname, next_check_datetime) VALUES (?, ?)`,
		string(host), next.Unix(),
	); err != nil {
		return 0, fmt.Errorf("insert %q: %w", host, err)
	}
	return getInstanceID(tx, host)
}

func deleteSideTable(tx *sql.Tx, table string, instanceID int64) error {
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE instance = ?`, table), instanceID); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

func clearSideTables(tx *sql.Tx, instanceID int64) error {
	for _, table := range []string{"dying_state_data", "moving_state_data", "moved_state_data"} {
		if err := deleteSideTable(tx, table, instanceID); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits the embedded schema DDL on ";\n" boundaries.
// database/sql executes one statement per Exec call; the schema constant is
// written as a semicolon-separated script for readability, so this is the
// seam between the two.
func splitStatements(script string) []string {
	var out []string
	start := 0
	for i := 0; i < len(script); i++ {
		if script[i] == ';' {
			stmt := trimSpace(script[start:i])
			if stmt != "" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	if tail := trimSpace(script[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }
