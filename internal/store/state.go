package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InitState inserts the singleton state row for a freshly accepted chunk.
// Any prior row is replaced (used when a terminal worker is reinitialized
// by a fresh /process call).
func (d *DB) InitState(ctx context.Context, batchID, chunkID string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO state (id, batch_id, chunk_id, started_at, phase)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			batch_id = excluded.batch_id,
			chunk_id = excluded.chunk_id,
			started_at = excluded.started_at,
			completed_at = NULL,
			phase = excluded.phase,
			total_refs = 0, completed_refs = 0, failed_refs = 0, skipped_refs = 0,
			global_error = NULL, global_retry_count = 0,
			consecutive_errors = 0, backoff_until_ms = NULL
	`, batchID, chunkID, time.Now().UTC().Format(time.RFC3339), string(PhaseFetching))
	if err != nil {
		return fmt.Errorf("failed to init state: %w", err)
	}
	return nil
}

// ResetForReinit clears refs, pis, and debug_log so a fresh /process for a
// chunk that previously ran to a terminal phase starts FETCH->PROCESS->
// PUBLISH against an empty queue rather than the prior run's leftover rows.
// InitState (called separately) already overwrites the state row itself.
func (d *DB) ResetForReinit(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM refs`,
		`DELETE FROM pis`,
		`DELETE FROM debug_log`,
	} {
		if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset chunk store for reinit: %w", err)
		}
	}
	return nil
}

// GetState returns the current state row, or nil if the worker has no
// persisted state (never started or already cleaned up).
func (d *DB) GetState(ctx context.Context) (*ChunkState, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT batch_id, chunk_id, started_at, completed_at, phase,
		       total_refs, completed_refs, failed_refs, skipped_refs,
		       global_error, global_retry_count, consecutive_errors, backoff_until_ms
		FROM state WHERE id = 1
	`)

	var (
		s           ChunkState
		startedAt   string
		completedAt sql.NullString
		globalErr   sql.NullString
		backoffMs   sql.NullInt64
	)
	err := row.Scan(&s.BatchID, &s.ChunkID, &startedAt, &completedAt, &s.Phase,
		&s.TotalRefs, &s.CompletedRefs, &s.FailedRefs, &s.SkippedRefs,
		&globalErr, &s.GlobalRetryCount, &s.ConsecutiveErrors, &backoffMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	if t, perr := time.Parse(time.RFC3339, startedAt); perr == nil {
		s.StartedAt = t
	}
	if completedAt.Valid {
		if t, perr := time.Parse(time.RFC3339, completedAt.String); perr == nil {
			s.CompletedAt = &t
		}
	}
	s.GlobalError = globalErr.String
	if backoffMs.Valid {
		v := backoffMs.Int64
		s.BackoffUntilMs = &v
	}
	return &s, nil
}

// SetPhase advances the worker's phase.
func (d *DB) SetPhase(ctx context.Context, phase Phase) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE state SET phase = ? WHERE id = 1`, string(phase))
	if err != nil {
		return fmt.Errorf("failed to set phase: %w", err)
	}
	return nil
}

// SetTotalRefs records the FETCH-computed total exactly once (invariant I3).
func (d *DB) SetTotalRefs(ctx context.Context, total int) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE state SET total_refs = ? WHERE id = 1`, total)
	if err != nil {
		return fmt.Errorf("failed to set total_refs: %w", err)
	}
	return nil
}

// IncrementCounters applies monotonic deltas to the terminal-ref counters.
func (d *DB) IncrementCounters(ctx context.Context, completedDelta, failedDelta, skippedDelta int) error {
	if completedDelta == 0 && failedDelta == 0 && skippedDelta == 0 {
		return nil
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE state SET
			completed_refs = completed_refs + ?,
			failed_refs = failed_refs + ?,
			skipped_refs = skipped_refs + ?
		WHERE id = 1
	`, completedDelta, failedDelta, skippedDelta)
	if err != nil {
		return fmt.Errorf("failed to increment counters: %w", err)
	}
	return nil
}

// SetBackoff persists the backoff controller's state.
func (d *DB) SetBackoff(ctx context.Context, consecutiveErrors int, backoffUntilMs *int64) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE state SET consecutive_errors = ?, backoff_until_ms = ? WHERE id = 1
	`, consecutiveErrors, backoffUntilMs)
	if err != nil {
		return fmt.Errorf("failed to persist backoff: %w", err)
	}
	return nil
}

// IncrementGlobalRetry bumps global_retry_count and returns the new value.
func (d *DB) IncrementGlobalRetry(ctx context.Context) (int, error) {
	_, err := d.conn.ExecContext(ctx, `UPDATE state SET global_retry_count = global_retry_count + 1 WHERE id = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to increment global retry count: %w", err)
	}
	s, err := d.GetState(ctx)
	if err != nil {
		return 0, err
	}
	return s.GlobalRetryCount, nil
}

// SetGlobalError transitions the worker into ERROR with a recorded cause.
func (d *DB) SetGlobalError(ctx context.Context, msg string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE state SET phase = ?, global_error = ?, completed_at = ? WHERE id = 1
	`, string(PhaseError), msg, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set global error: %w", err)
	}
	return nil
}

// MarkDone transitions the worker into DONE and stamps completed_at.
func (d *DB) MarkDone(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE state SET phase = ?, completed_at = ? WHERE id = 1
	`, string(PhaseDone), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to mark done: %w", err)
	}
	return nil
}
