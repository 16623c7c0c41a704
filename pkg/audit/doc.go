// Package audit keeps the registration audit log in SQLite: one row per
// registration attempt with its outcome, plus the attempt's event lines.
// Operators read it with "dropboxd registrations list".
package audit
