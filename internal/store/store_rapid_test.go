package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"pgregory.net/rapid"
)

// refOp is one simulated PROCESS-phase outcome applied to a single ref.
type refOp int

const (
	opDone refOp = iota
	opSkipped
	opPermanentError
	opTransientRetryable
	opTransientTerminal
	opRateLimited
)

// TestRefLifecycleConservesCount drives a random set of refs through random
// PROCESS outcomes and checks P1 (every ref is accounted for across
// pending/processing/done/skipped/error) and P3 (every terminal ref carries
// the state its status promises).
func TestRefLifecycleConservesCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		dir, err := os.MkdirTemp("", "chunkdb-rapid")
		if err != nil {
			t.Fatalf("MkdirTemp() error = %v", err)
		}
		defer os.RemoveAll(dir)

		db, err := Open(ctx, filepath.Join(dir, "chunk.db"))
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close()

		if err := db.InitState(ctx, "batch", "chunk"); err != nil {
			t.Fatalf("InitState() error = %v", err)
		}
		if err := db.InsertPI(ctx, "pi-1"); err != nil {
			t.Fatalf("InsertPI() error = %v", err)
		}

		n := rapid.IntRange(1, 30).Draw(t, "refCount")
		maxRetries := rapid.IntRange(1, 5).Draw(t, "maxRetries")

		for i := 0; i < n; i++ {
			filename := fmt.Sprintf("ref-%d.json", i)
			if err := db.InsertRef(ctx, "pi-1", filename, "https://cdn/"+filename, "orig-cid", "{}"); err != nil {
				t.Fatalf("InsertRef() error = %v", err)
			}
		}

		refs, err := db.SelectPendingRefs(ctx, n)
		if err != nil {
			t.Fatalf("SelectPendingRefs() error = %v", err)
		}
		if len(refs) != n {
			t.Fatalf("SelectPendingRefs() returned %d refs, want %d", len(refs), n)
		}

		for _, r := range refs {
			op := refOp(rapid.IntRange(0, 5).Draw(t, "op-"+r.Filename))

			switch op {
			case opDone:
				if err := db.MarkRefDone(ctx, r.ID, "cid-done", 42); err != nil {
					t.Fatalf("MarkRefDone() error = %v", err)
				}
			case opSkipped:
				if err := db.MarkRefSkipped(ctx, r.ID, "cid-skip", 7); err != nil {
					t.Fatalf("MarkRefSkipped() error = %v", err)
				}
			case opPermanentError:
				if err := db.MarkPermanentError(ctx, r.ID, "permanent failure"); err != nil {
					t.Fatalf("MarkPermanentError() error = %v", err)
				}
			case opRateLimited:
				if err := db.MarkRateLimited(ctx, r.ID); err != nil {
					t.Fatalf("MarkRateLimited() error = %v", err)
				}
			case opTransientRetryable, opTransientTerminal:
				// Drive retry_count to just below, or exactly at, maxRetries
				// depending on which branch this draw picked.
				target := maxRetries - 1
				if op == opTransientTerminal {
					target = maxRetries
				}
				var terminal bool
				for j := 0; j < target; j++ {
					terminal, err = db.MarkTransientOutcome(ctx, r.ID, "transient failure", maxRetries)
					if err != nil {
						t.Fatalf("MarkTransientOutcome() error = %v", err)
					}
					if terminal {
						break
					}
				}
			}
		}

		counts, err := db.CountsByStatus(ctx)
		if err != nil {
			t.Fatalf("CountsByStatus() error = %v", err)
		}

		total := counts[RefPending] + counts[RefProcessing] + counts[RefDone] + counts[RefSkipped] + counts[RefError]
		if total != n {
			t.Fatalf("ref counts sum to %d, want %d (counts=%v)", total, n, counts)
		}

		allRefs, err := allRefsForTest(ctx, db)
		if err != nil {
			t.Fatalf("failed to read back refs: %v", err)
		}
		for _, r := range allRefs {
			switch r.Status {
			case RefDone, RefSkipped:
				if r.ResultCID == "" {
					t.Fatalf("ref %d status=%s has empty result_cid", r.ID, r.Status)
				}
			case RefError:
				if r.Error == "" {
					t.Fatalf("ref %d status=error has empty error", r.ID)
				}
				if r.RetryCount > maxRetries && r.Status == RefError {
					// Permanent/rate-limit paths never hit this branch;
					// only the transient-terminal path can, and it stops
					// exactly at maxRetries (P5).
					t.Fatalf("ref %d retry_count=%d exceeds maxRetries=%d", r.ID, r.RetryCount, maxRetries)
				}
			}
		}
	})
}

// allRefsForTest reads every ref row regardless of status, for invariant
// checks that span the whole table.
func allRefsForTest(ctx context.Context, d *DB) ([]Ref, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, pi, filename, cdn_url, original_cid, status, retry_count,
		       ref_data_json, result_cid, ocr_text_length, error
		FROM refs
	`)
	if err != nil {
		return nil, err
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
