package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// #region audit-log

// AuditLog appends cycle outcomes to the cycle_log table that lives beside
// the encrypted records, so a purge removes both in one transaction.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog wraps db. The cycle_log table must already exist.
func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

// Record writes entry. A zero CreatedAt is filled with the current time.
func (a *AuditLog) Record(ctx context.Context, entry CycleEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var detail any
	if !entry.Detail.empty() {
		b, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detail = string(b)
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO cycle_log (profile_id, session_id, seq, event, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ProfileID,
		entry.SessionID,
		nullIfZero(entry.Seq),
		string(entry.Event),
		detail,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log cycle: %w", err)
	}
	return nil
}

// List returns the newest limit entries of a profile, newest first. A
// non-empty sessionID narrows the result to that session.
func (a *AuditLog) List(ctx context.Context, profileID, sessionID string, limit int) ([]CycleEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT profile_id, session_id, seq, event, detail, created_at
	      FROM cycle_log WHERE profile_id = ?`
	args := []any{profileID}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleEntry
	for rows.Next() {
		var (
			e         CycleEntry
			seq       sql.NullInt64
			event     string
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ProfileID, &e.SessionID, &seq, &event, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		e.Seq = seq.Int64
		e.Event = Event(event)
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decode detail: %w", err)
			}
		}
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion audit-log

// #region helpers
func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

// #endregion helpers
