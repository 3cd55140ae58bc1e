package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pkg/errors"
)

// Decision outcomes recorded in the audit log
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	discovery_id TEXT NOT NULL,
	decision     TEXT NOT NULL,
	actor        TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	payload      TEXT NOT NULL,
	recorded_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_discovery ON decisions(discovery_id);
CREATE TRIGGER IF NOT EXISTS decisions_no_update BEFORE UPDATE ON decisions
BEGIN
	SELECT RAISE(ABORT, 'audit log is append-only');
END;
CREATE TRIGGER IF NOT EXISTS decisions_no_delete BEFORE DELETE ON decisions
BEGIN
	SELECT RAISE(ABORT, 'audit log is append-only');
END;
`

// AuditRecord is one provenance entry for a discovery decision
type AuditRecord struct {
	ID          string          `json:"id"`
	DiscoveryID string          `json:"discovery_id"`
	Decision    string          `json:"decision"`
	Actor       string          `json:"actor"`
	Outcome     string          `json:"outcome"`
	Payload     json.RawMessage `json:"payload"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// AuditLog is the append-only decision log of a single project
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens (creating if needed) the audit database at dbPath
func OpenAuditLog(dbPath string) (*AuditLog, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, errors.Wrap(err, "open audit db")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping audit db")
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init audit schema")
	}
	return &AuditLog{db: db}, nil
}

// Close closes the audit database
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// Append writes a record; ID and RecordedAt are filled in when empty
func (a *AuditLog) Append(ctx context.Context, rec AuditRecord) (AuditRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO decisions (id, discovery_id, decision, actor, outcome, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DiscoveryID, rec.Decision, rec.Actor, rec.Outcome, string(rec.Payload), rec.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return rec, errors.Wrapf(err, "append audit record for discovery %s", rec.DiscoveryID)
	}
	return rec, nil
}

// Records returns every record in append order
func (a *AuditLog) Records(ctx context.Context) ([]AuditRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, discovery_id, decision, actor, outcome, payload, recorded_at FROM decisions ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, "query audit records")
	}
	defer rows.Close()

	records := make([]AuditRecord, 0)
	for rows.Next() {
		var rec AuditRecord
		var payload, recordedAt string
		if err := rows.Scan(&rec.ID, &rec.DiscoveryID, &rec.Decision, &rec.Actor, &rec.Outcome, &payload, &recordedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit record")
		}
		rec.Payload = json.RawMessage(payload)
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, errors.Wrapf(err, "parse audit timestamp %q", recordedAt)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
