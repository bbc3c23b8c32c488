package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// InsertRef adds one work item discovered during FETCH. Re-inserting the
// same (pi, filename) is a no-op, matching the UNIQUE constraint.
func (d *DB) InsertRef(ctx context.Context, pi, filename, cdnURL, originalCID, refDataJSON string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO refs (pi, filename, cdn_url, original_cid, status, ref_data_json)
		VALUES (?, ?, ?, ?, 'pending', ?)
		ON CONFLICT (pi, filename) DO NOTHING
	`, pi, filename, cdnURL, originalCID, refDataJSON)
	if err != nil {
		return fmt.Errorf("failed to insert ref %s/%s: %w", pi, filename, err)
	}
	return nil
}

// SelectPendingRefs returns up to limit refs with status = pending. Ordering
// is unspecified, per spec §5.
func (d *DB) SelectPendingRefs(ctx context.Context, limit int) ([]Ref, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, pi, filename, cdn_url, original_cid, status, retry_count,
		       ref_data_json, result_cid, ocr_text_length, error
		FROM refs WHERE status = 'pending' LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending refs: %w", err)
	}
	defer rows.Close()

	var out []Ref
	for rows.Next() {
		r, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MarkProcessing atomically flips the given ref IDs to status = processing
// (spec §4.3 step 4).
func (d *DB) MarkProcessing(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := d.conn.ExecContext(ctx, fmt.Sprintf(
		`UPDATE refs SET status = 'processing' WHERE id IN (%s)`, placeholders,
	), args...)
	if err != nil {
		return fmt.Errorf("failed to mark refs processing: %w", err)
	}
	return nil
}

// SweepProcessingToPending resets any ref left in status = processing back
// to pending. A ref only sits in processing between MarkProcessing and the
// matching outcome write within a single PROCESS fire, so finding one at
// startup means the worker crashed mid-dispatch; the ref is safe to retry
// since the OCR call it was waiting on was never durably recorded either
// way. Returns the number of refs reset, for a debug_log entry.
func (d *DB) SweepProcessingToPending(ctx context.Context) (int, error) {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE refs SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep processing refs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep row count: %w", err)
	}
	return int(n), nil
}

// MarkRefDone records a successful OCR outcome.
func (d *DB) MarkRefDone(ctx context.Context, id int64, resultCID string, textLength int) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE refs SET status = 'done', result_cid = ?, ocr_text_length = ?, error = NULL
		WHERE id = ?
	`, resultCID, textLength, id)
	if err != nil {
		return fmt.Errorf("failed to mark ref %d done: %w", id, err)
	}
	return nil
}

// MarkRefSkipped records a ref whose cached JSON already carried OCR text.
func (d *DB) MarkRefSkipped(ctx context.Context, id int64, resultCID string, textLength int) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE refs SET status = 'skipped', result_cid = ?, ocr_text_length = ?, error = NULL
		WHERE id = ?
	`, resultCID, textLength, id)
	if err != nil {
		return fmt.Errorf("failed to mark ref %d skipped: %w", id, err)
	}
	return nil
}

// MarkRateLimited requeues a ref as pending and bumps retry_count without
// counting against MAX_RETRIES_PER_REF (spec §4.3 outcome table).
func (d *DB) MarkRateLimited(ctx context.Context, id int64) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE refs SET status = 'pending', retry_count = retry_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark ref %d rate-limited: %w", id, err)
	}
	return nil
}

// MarkPermanentError terminates a ref on first occurrence of a permanent
// failure (invariant I6).
func (d *DB) MarkPermanentError(ctx context.Context, id int64, errMsg string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE refs SET status = 'error', error = ? WHERE id = ?
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark ref %d permanent error: %w", id, err)
	}
	return nil
}

// MarkTransientOutcome bumps retry_count for a transient failure. When the
// resulting count reaches maxRetries the ref terminates as error; otherwise
// it returns to pending.
func (d *DB) MarkTransientOutcome(ctx context.Context, id int64, errMsg string, maxRetries int) (terminal bool, err error) {
	row := d.conn.QueryRowContext(ctx, `SELECT retry_count FROM refs WHERE id = ?`, id)
	var retryCount int
	if err := row.Scan(&retryCount); err != nil {
		return false, fmt.Errorf("failed to read ref %d retry_count: %w", id, err)
	}
	retryCount++

	if retryCount >= maxRetries {
		_, err := d.conn.ExecContext(ctx, `
			UPDATE refs SET status = 'error', retry_count = ?, error = ? WHERE id = ?
		`, retryCount, errMsg, id)
		if err != nil {
			return false, fmt.Errorf("failed to mark ref %d terminal transient error: %w", id, err)
		}
		return true, nil
	}

	_, err = d.conn.ExecContext(ctx, `
		UPDATE refs SET status = 'pending', retry_count = ? WHERE id = ?
	`, retryCount, id)
	if err != nil {
		return false, fmt.Errorf("failed to requeue ref %d: %w", id, err)
	}
	return false, nil
}

// CountsByStatus returns the number of refs in each status, used both for
// /status progress and invariant checks.
func (d *DB) CountsByStatus(ctx context.Context) (map[RefStatus]int, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM refs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count refs by status: %w", err)
	}
	defer rows.Close()

	out := map[RefStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan ref status count: %w", err)
		}
		out[RefStatus(status)] = count
	}
	return out, rows.Err()
}

// RefsForPublish returns the completed refs for a PI eligible for PUBLISH:
// status in (done, skipped) with a non-null result_cid (spec §4.5 step 1).
func (d *DB) RefsForPublish(ctx context.Context, pi string) ([]Ref, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, pi, filename, cdn_url, original_cid, status, retry_count,
		       ref_data_json, result_cid, ocr_text_length, error
		FROM refs
		WHERE pi = ? AND status IN ('done', 'skipped') AND result_cid IS NOT NULL
	`, pi)
	if err != nil {
		return nil, fmt.Errorf("failed to select publishable refs for pi %s: %w", pi, err)
	}
	defer rows.Close()

	var out []Ref
	for rows.Next() {
		r, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// FailedRefsForPI returns the errored refs for a PI, used to populate the
// callback's failed_refs list.
func (d *DB) FailedRefsForPI(ctx context.Context, pi string) ([]Ref, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, pi, filename, cdn_url, original_cid, status, retry_count,
		       ref_data_json, result_cid, ocr_text_length, error
		FROM refs WHERE pi = ? AND status = 'error'
	`, pi)
	if err != nil {
		return nil, fmt.Errorf("failed to select failed refs for pi %s: %w", pi, err)
	}
	defer rows.Close()

	var out []Ref
	for rows.Next() {
		r, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRef(row interface{ Scan(...any) error }) (*Ref, error) {
	var (
		r          Ref
		resultCID  sql.NullString
		textLength sql.NullInt64
		errMsg     sql.NullString
	)
	if err := row.Scan(&r.ID, &r.PI, &r.Filename, &r.CDNUrl, &r.OriginalCID, &r.Status,
		&r.RetryCount, &r.RefDataJSON, &resultCID, &textLength, &errMsg); err != nil {
		return nil, fmt.Errorf("failed to scan ref row: %w", err)
	}
	r.ResultCID = resultCID.String
	r.OCRTextLength = int(textLength.Int64)
	r.Error = errMsg.String
	return &r, nil
}
