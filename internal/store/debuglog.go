package store

import (
	"context"
	"fmt"
	"time"
)

// AppendDebugLog inserts a diagnostic entry and trims the ring to
// maxDebugLogEntries, per the "insert then delete the tail" rule.
func (d *DB) AppendDebugLog(ctx context.Context, message string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO debug_log (ts, message) VALUES (?, ?)
	`, time.Now().UTC().Format(time.RFC3339), message)
	if err != nil {
		return fmt.Errorf("failed to append debug log: %w", err)
	}

	_, err = d.conn.ExecContext(ctx, `
		DELETE FROM debug_log WHERE id NOT IN (
			SELECT id FROM debug_log ORDER BY id DESC LIMIT ?
		)
	`, maxDebugLogEntries)
	if err != nil {
		return fmt.Errorf("failed to trim debug log: %w", err)
	}
	return nil
}

// TailDebugLog returns the most recent n entries, oldest first.
func (d *DB) TailDebugLog(ctx context.Context, n int) ([]DebugLogEntry, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, ts, message FROM debug_log ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read debug log: %w", err)
	}
	defer rows.Close()

	var out []DebugLogEntry
	for rows.Next() {
		var e DebugLogEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan debug log entry: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339, ts); perr == nil {
			e.Timestamp = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
