// Package sqlite holds the embedded schema DDL for the crawler's durable
// store, kept separate from the mutator logic the way other SQLite-backed
// Go services in the wild split a "schema.go" constant from their query
// code.
package sqlite

// Schema creates every table and index from spec §3, idempotently. States
// are seeded via INSERT OR IGNORE so repeated Init calls (e.g. across
// restarts) never fail. The bootstrap hostname is inserted separately by
// the caller, since it is configurable.
const Schema = `
CREATE TABLE IF NOT EXISTS states(
	id INTEGER PRIMARY KEY NOT NULL,
	state TEXT UNIQUE NOT NULL
);

INSERT OR IGNORE INTO states (id, state) VALUES
	(0, 'discovered'),
	(1, 'alive'),
	(2, 'dying'),
	(3, 'dead'),
	(4, 'moving'),
	(5, 'moved');

CREATE TABLE IF NOT EXISTS instances(
	id INTEGER PRIMARY KEY NOT NULL,
	hostname TEXT UNIQUE NOT NULL,
	state INTEGER REFERENCES states(id) NOT NULL DEFAULT 0,
	last_check_datetime INTEGER DEFAULT NULL,
	next_check_datetime INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
	check_started INTEGER DEFAULT NULL,
	discovered_via INTEGER REFERENCES instances(id) DEFAULT NULL
);

CREATE INDEX IF NOT EXISTS instances_next_check_datetime_idx
	ON instances(next_check_datetime);

CREATE INDEX IF NOT EXISTS instances_check_started_idx
	ON instances(check_started);

CREATE TABLE IF NOT EXISTS dying_state_data(
	id INTEGER PRIMARY KEY NOT NULL,
	instance INTEGER NOT NULL UNIQUE REFERENCES instances(id),
	dying_since INTEGER NOT NULL,
	failed_checks_count INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS moving_state_data(
	id INTEGER PRIMARY KEY NOT NULL,
	instance INTEGER NOT NULL UNIQUE REFERENCES instances(id),
	moving_since INTEGER NOT NULL,
	redirects_count INTEGER NOT NULL DEFAULT 1,
	moving_to INTEGER NOT NULL REFERENCES instances(id)
);

CREATE TABLE IF NOT EXISTS moved_state_data(
	id INTEGER PRIMARY KEY NOT NULL,
	instance INTEGER NOT NULL UNIQUE REFERENCES instances(id),
	moved_to INTEGER NOT NULL REFERENCES instances(id)
);
`

// SeedBootstrapHostStmt inserts the seed hostname, which the caller passes
// as a bound parameter; INSERT OR IGNORE makes it a no-op when the host
// already exists.
const SeedBootstrapHostStmt = `INSERT OR IGNORE INTO instances(hostname) VALUES (?)`
