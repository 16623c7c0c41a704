package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/openbis/dropboxd/pkg/types"
	"github.com/zeebo/errs"

	_ "modernc.org/sqlite"
)

// Error is the error class for audit log failures
var Error = errs.Class("audit")

// StateRunning is the state of an attempt that has not finished yet
const StateRunning = "running"

const maxErrorLen = 500

// Record is one registration attempt as seen by operators
type Record struct {
	AttemptID      string
	Incoming       string
	Dropbox        string
	RegistrationID types.RegistrationID
	State          string
	Attempts       int
	LastError      string
	StartedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// Event is one log line of an attempt
type Event struct {
	Message   string
	CreatedAt time.Time
}

// Log is the SQLite registration audit log. It implements
// registrator.Journal.
type Log struct {
	db *sql.DB
}

// Open opens or creates the audit log at path
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// one connection keeps the pragmas and serializes writers
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, Error.Wrap(err)
	}
	return &Log{db: db}, nil
}

// Close closes the database
func (l *Log) Close() error {
	return l.db.Close()
}

// Begin records a new attempt
func (l *Log) Begin(ctx context.Context, attemptID, incoming, dropbox string) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO registrations (attempt_id, incoming, dropbox, state)
VALUES (?, ?, ?, ?)
`, attemptID, incoming, dropbox, StateRunning)
	return Error.Wrap(err)
}

// SetRegistrationID records the registration id drawn for an attempt
func (l *Log) SetRegistrationID(ctx context.Context, attemptID string, id types.RegistrationID) error {
	return l.update(ctx, `
UPDATE registrations
SET registration_id = ?, updated_at = CURRENT_TIMESTAMP
WHERE attempt_id = ?`, int64(id), attemptID)
}

// Log appends a message to an attempt
func (l *Log) Log(ctx context.Context, attemptID, message string) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO registration_events (attempt_id, message)
VALUES (?, ?)`, attemptID, message)
	return Error.Wrap(err)
}

// Retried counts a recovery pass of an attempt
func (l *Log) Retried(ctx context.Context, attemptID string) error {
	return l.update(ctx, `
UPDATE registrations
SET attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
WHERE attempt_id = ?`, attemptID)
}

// Finish records how an attempt ended. A recovery_pending or interrupted
// attempt is not finished; it will be finished again by the recovery driver.
func (l *Log) Finish(ctx context.Context, attemptID string, outcome types.Outcome, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > maxErrorLen {
			msg = msg[:maxErrorLen]
		}
	}

	finished := "CURRENT_TIMESTAMP"
	if outcome == types.OutcomeRecoveryPending || outcome == types.OutcomeInterrupted {
		finished = "NULL"
	}
	return l.update(ctx, `
UPDATE registrations
SET state = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP, finished_at = `+finished+`
WHERE attempt_id = ?`, string(outcome), msg, attemptID)
}

func (l *Log) update(ctx context.Context, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Error.Wrap(err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return Error.New("unknown attempt %v", args[len(args)-1])
	}
	return nil
}

// List returns attempts, most recent first. An empty state lists all.
func (l *Log) List(ctx context.Context, state string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT attempt_id, incoming, dropbox, registration_id, state, attempts, last_error,
       started_at, updated_at, finished_at
FROM registrations
WHERE ? = '' OR state = ?
ORDER BY started_at DESC, rowid DESC
LIMIT ?
`, state, state, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var id int64
		var started, updated string
		var finished sql.NullString
		if err := rows.Scan(
			&r.AttemptID, &r.Incoming, &r.Dropbox, &id, &r.State, &r.Attempts, &r.LastError,
			&started, &updated, &finished,
		); err != nil {
			return nil, Error.Wrap(err)
		}
		r.RegistrationID = types.RegistrationID(id)
		r.StartedAt = parseTime(started)
		r.UpdatedAt = parseTime(updated)
		if finished.Valid {
			t := parseTime(finished.String)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, Error.Wrap(rows.Err())
}

// Events returns the log lines of an attempt in order
func (l *Log) Events(ctx context.Context, attemptID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT message, created_at
FROM registration_events
WHERE attempt_id = ?
ORDER BY id
`, attemptID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.Message, &created); err != nil {
			return nil, Error.Wrap(err)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, Error.Wrap(rows.Err())
}

// parseTime reads sqlite CURRENT_TIMESTAMP values, which are UTC
func parseTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}
