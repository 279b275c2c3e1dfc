// ABOUTME: Command audit log: every routed command's terminal outcome.
// ABOUTME: Appended best-effort after routing; reads are for debugging tooling.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry records one routed command and its terminal outcome.
type AuditEntry struct {
	Timestamp     time.Time
	CommandID     string
	Action        string
	TargetAgent   string
	TargetBrowser string
	TabID         *int
	Outcome       string // "resolved", "rejected", "timed_out"
	Error         string
	Duration      time.Duration
}

// AppendAudit records one command outcome.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var tabID sql.NullInt64
	if e.TabID != nil {
		tabID = sql.NullInt64{Int64: int64(*e.TabID), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_audit (ts, command_id, action, target_agent, target_browser, tab_id, outcome, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, e.CommandID, e.Action, e.TargetAgent, e.TargetBrowser, tabID,
		e.Outcome, e.Error, e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// RecentAudit returns the newest entries, most recent first.
func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, command_id, action, target_agent, target_browser, tab_id, outcome, error, duration_ms
		 FROM command_audit ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var tabID sql.NullInt64
		var durationMS int64
		if err := rows.Scan(&e.Timestamp, &e.CommandID, &e.Action, &e.TargetAgent,
			&e.TargetBrowser, &tabID, &e.Outcome, &e.Error, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if tabID.Valid {
			v := int(tabID.Int64)
			e.TabID = &v
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
