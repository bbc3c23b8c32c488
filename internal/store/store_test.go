package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunk.db")
	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitStateAndGetState(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if s, err := db.GetState(ctx); err != nil || s != nil {
		t.Fatalf("GetState() before init = (%v, %v), want (nil, nil)", s, err)
	}

	if err := db.InitState(ctx, "batch-1", "chunk-1"); err != nil {
		t.Fatalf("InitState() error = %v", err)
	}

	s, err := db.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if s == nil {
		t.Fatal("GetState() = nil, want a row")
	}
	if s.Phase != PhaseFetching {
		t.Errorf("Phase = %q, want %q", s.Phase, PhaseFetching)
	}
	if s.BatchID != "batch-1" || s.ChunkID != "chunk-1" {
		t.Errorf("ids = (%q, %q), want (batch-1, chunk-1)", s.BatchID, s.ChunkID)
	}
}

func TestInitStateReinitializesTerminalWorker(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.InitState(ctx, "batch-1", "chunk-1"); err != nil {
		t.Fatalf("InitState() error = %v", err)
	}
	if err := db.IncrementCounters(ctx, 3, 1, 0); err != nil {
		t.Fatalf("IncrementCounters() error = %v", err)
	}
	if err := db.MarkDone(ctx); err != nil {
		t.Fatalf("MarkDone() error = %v", err)
	}

	if err := db.InitState(ctx, "batch-2", "chunk-2"); err != nil {
		t.Fatalf("InitState() (reinit) error = %v", err)
	}
	s, err := db.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if s.Phase != PhaseFetching || s.CompletedRefs != 0 || s.CompletedAt != nil {
		t.Errorf("reinit did not clear counters/phase/completed_at: %+v", s)
	}
	if s.BatchID != "batch-2" {
		t.Errorf("BatchID = %q, want batch-2", s.BatchID)
	}
}

func TestPIPublishLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.InsertPI(ctx, "pi-1"); err != nil {
		t.Fatalf("InsertPI() error = %v", err)
	}
	// duplicate insert is a no-op
	if err := db.InsertPI(ctx, "pi-1"); err != nil {
		t.Fatalf("InsertPI() (dup) error = %v", err)
	}

	pending, err := db.PendingPIs(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingPIs() = (%v, %v), want 1 row", pending, err)
	}

	if err := db.MarkPIPublished(ctx, "pi-1", "tip-abc", 2); err != nil {
		t.Fatalf("MarkPIPublished() error = %v", err)
	}

	pi, err := db.GetPI(ctx, "pi-1")
	if err != nil {
		t.Fatalf("GetPI() error = %v", err)
	}
	if !pi.EntityUpdated || pi.NewTip != "tip-abc" || pi.NewVersion != 2 {
		t.Errorf("pi after publish = %+v, want updated/tip-abc/2", pi)
	}

	pending, err = db.PendingPIs(ctx)
	if err != nil || len(pending) != 0 {
		t.Fatalf("PendingPIs() after publish = (%v, %v), want empty", pending, err)
	}
}

func TestRefOutcomeTransitions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.InsertRef(ctx, "pi-1", "a.ref.json", "https://cdn/a", "cid-a", `{"url":"https://cdn/a"}`); err != nil {
		t.Fatalf("InsertRef() error = %v", err)
	}

	pending, err := db.SelectPendingRefs(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("SelectPendingRefs() = (%v, %v), want 1 row", pending, err)
	}
	id := pending[0].ID

	if err := db.MarkProcessing(ctx, []int64{id}); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}

	// Rate limit: requeued, retry_count bumped, does not terminate.
	if err := db.MarkRateLimited(ctx, id); err != nil {
		t.Fatalf("MarkRateLimited() error = %v", err)
	}
	refs, err := db.SelectPendingRefs(ctx, 10)
	if err != nil || len(refs) != 1 || refs[0].RetryCount != 1 {
		t.Fatalf("after rate limit, refs = %+v, err = %v", refs, err)
	}

	// Transient failures accumulate until MAX_RETRIES_PER_REF.
	terminal, err := db.MarkTransientOutcome(ctx, id, "boom", 3)
	if err != nil {
		t.Fatalf("MarkTransientOutcome() error = %v", err)
	}
	if terminal {
		t.Fatalf("MarkTransientOutcome() terminal on first transient error, want false")
	}

	terminal, err = db.MarkTransientOutcome(ctx, id, "boom again", 3)
	if err != nil {
		t.Fatalf("MarkTransientOutcome() error = %v", err)
	}
	if terminal {
		t.Fatalf("MarkTransientOutcome() terminal too early, want false")
	}

	terminal, err = db.MarkTransientOutcome(ctx, id, "boom final", 3)
	if err != nil {
		t.Fatalf("MarkTransientOutcome() error = %v", err)
	}
	if !terminal {
		t.Fatalf("MarkTransientOutcome() not terminal at retry_count = MAX_RETRIES_PER_REF")
	}

	counts, err := db.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountsByStatus() error = %v", err)
	}
	if counts[RefError] != 1 {
		t.Errorf("CountsByStatus()[error] = %d, want 1", counts[RefError])
	}
}

func TestMarkPermanentErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.InsertRef(ctx, "pi-1", "a.ref.json", "https://cdn/a", "cid-a", `{}`); err != nil {
		t.Fatalf("InsertRef() error = %v", err)
	}
	refs, _ := db.SelectPendingRefs(ctx, 10)
	id := refs[0].ID

	if err := db.MarkPermanentError(ctx, id, "unsupported file format"); err != nil {
		t.Fatalf("MarkPermanentError() error = %v", err)
	}

	counts, err := db.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountsByStatus() error = %v", err)
	}
	if counts[RefError] != 1 || counts[RefPending] != 0 {
		t.Errorf("counts = %+v, want 1 error, 0 pending", counts)
	}
}

func TestMarkRefDoneIsPublishable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.InsertRef(ctx, "pi-1", "a.ref.json", "https://cdn/a", "cid-a", `{}`); err != nil {
		t.Fatalf("InsertRef() error = %v", err)
	}
	refs, _ := db.SelectPendingRefs(ctx, 10)
	id := refs[0].ID

	if err := db.MarkRefDone(ctx, id, "cid-result", 5); err != nil {
		t.Fatalf("MarkRefDone() error = %v", err)
	}

	publishable, err := db.RefsForPublish(ctx, "pi-1")
	if err != nil {
		t.Fatalf("RefsForPublish() error = %v", err)
	}
	if len(publishable) != 1 || publishable[0].ResultCID != "cid-result" {
		t.Fatalf("RefsForPublish() = %+v, want one ref with result_cid set", publishable)
	}
}

func TestDebugLogRingBuffer(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for i := 0; i < maxDebugLogEntries+10; i++ {
		if err := db.AppendDebugLog(ctx, "tick"); err != nil {
			t.Fatalf("AppendDebugLog() error = %v", err)
		}
	}

	entries, err := db.TailDebugLog(ctx, maxDebugLogEntries+10)
	if err != nil {
		t.Fatalf("TailDebugLog() error = %v", err)
	}
	if len(entries) != maxDebugLogEntries {
		t.Errorf("TailDebugLog() len = %d, want %d", len(entries), maxDebugLogEntries)
	}
}

func TestCleanupRemovesBackingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunk.db")
	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.InitState(ctx, "b", "c"); err != nil {
		t.Fatalf("InitState() error = %v", err)
	}
	if err := db.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if Exists(path) {
		t.Errorf("Exists(%q) = true after Cleanup, want false", path)
	}
}
