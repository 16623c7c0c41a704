package audit

import "database/sql"

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS registrations (
	attempt_id TEXT PRIMARY KEY,
	incoming TEXT NOT NULL,
	dropbox TEXT NOT NULL,
	registration_id INTEGER NOT NULL DEFAULT 0,

	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 1,
	last_error TEXT NOT NULL DEFAULT '',

	started_at TEXT NOT NULL DEFAULT (CURRENT_TIMESTAMP),
	updated_at TEXT NOT NULL DEFAULT (CURRENT_TIMESTAMP),
	finished_at TEXT -- null while running or pending recovery
);
`,
		`CREATE INDEX IF NOT EXISTS registrations_state ON registrations(state);`,
		`
CREATE TABLE IF NOT EXISTS registration_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt_id TEXT NOT NULL REFERENCES registrations(attempt_id) ON DELETE CASCADE,
	message TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (CURRENT_TIMESTAMP)
);
`,
		`CREATE INDEX IF NOT EXISTS registration_events_attempt ON registration_events(attempt_id, id);`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
