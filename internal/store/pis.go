package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertPI registers one entity for the chunk during FETCH. Re-inserting an
// existing pi is a no-op.
func (d *DB) InsertPI(ctx context.Context, pi string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO pis (pi, entity_updated) VALUES (?, 0)
		ON CONFLICT (pi) DO NOTHING
	`, pi)
	if err != nil {
		return fmt.Errorf("failed to insert pi %s: %w", pi, err)
	}
	return nil
}

// GetPI returns one PI row, or nil if absent.
func (d *DB) GetPI(ctx context.Context, pi string) (*PI, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT pi, entity_updated, new_tip, new_version, has_new_version, entity_error
		FROM pis WHERE pi = ?
	`, pi)
	return scanPI(row)
}

// AllPIs returns every PI row in the chunk.
func (d *DB) AllPIs(ctx context.Context) ([]PI, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT pi, entity_updated, new_tip, new_version, has_new_version, entity_error
		FROM pis ORDER BY pi
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pis: %w", err)
	}
	defer rows.Close()

	var out []PI
	for rows.Next() {
		p, err := scanPI(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PendingPIs returns PIs with entity_updated = false, the PUBLISH worklist
// per invariant I4.
func (d *DB) PendingPIs(ctx context.Context) ([]PI, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT pi, entity_updated, new_tip, new_version, has_new_version, entity_error
		FROM pis WHERE entity_updated = 0 ORDER BY pi
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending pis: %w", err)
	}
	defer rows.Close()

	var out []PI
	for rows.Next() {
		p, err := scanPI(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkPIPublished records a successful CAS append and flips entity_updated
// (invariant I4: exactly once, never reverted).
func (d *DB) MarkPIPublished(ctx context.Context, pi, newTip string, newVersion int64) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE pis SET entity_updated = 1, has_new_version = 1,
		       new_tip = ?, new_version = ?, entity_error = NULL
		WHERE pi = ?
	`, newTip, newVersion, pi)
	if err != nil {
		return fmt.Errorf("failed to mark pi %s published: %w", pi, err)
	}
	return nil
}

// MarkPINoOp advances entity_updated for a PI with no publishable refs,
// without recording a new tip/version or an error (spec §4.5 step 2).
func (d *DB) MarkPINoOp(ctx context.Context, pi string) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE pis SET entity_updated = 1 WHERE pi = ?`, pi)
	if err != nil {
		return fmt.Errorf("failed to mark pi %s no-op: %w", pi, err)
	}
	return nil
}

// MarkPIErrored records a non-conflict publish failure but still advances
// entity_updated so PUBLISH makes forward progress (spec §4.5 step 6).
func (d *DB) MarkPIErrored(ctx context.Context, pi, errMsg string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE pis SET entity_updated = 1, entity_error = ? WHERE pi = ?
	`, errMsg, pi)
	if err != nil {
		return fmt.Errorf("failed to mark pi %s errored: %w", pi, err)
	}
	return nil
}

func scanPI(row interface{ Scan(...any) error }) (*PI, error) {
	var (
		p          PI
		newTip     sql.NullString
		newVersion sql.NullInt64
		hasNew     int
		entityErr  sql.NullString
		updated    int
	)
	if err := row.Scan(&p.PI, &updated, &newTip, &newVersion, &hasNew, &entityErr); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan pi row: %w", err)
	}
	p.EntityUpdated = updated != 0
	p.HasNewVersion = hasNew != 0
	p.NewTip = newTip.String
	p.NewVersion = newVersion.Int64
	p.EntityError = entityErr.String
	return &p, nil
}
