package chunkworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Arke-Institute/arke-ocr-service/internal/home"
	"github.com/Arke-Institute/arke-ocr-service/internal/store"
)

// Manager is the public interface's backing registry: one *Worker per
// actively-processing (batch_id, chunk_id), keyed for /process and /status
// (spec §4.7).
type Manager struct {
	mu      sync.Mutex
	workers map[string]*Worker
	home    *home.Dir
	cfg     WorkerConfig
}

// NewManager creates a Manager rooted at h, using cfg as the template for
// every worker it creates.
func NewManager(h *home.Dir, cfg WorkerConfig) *Manager {
	return &Manager{
		workers: make(map[string]*Worker),
		home:    h,
		cfg:     cfg,
	}
}

func workerKey(batchID, chunkID string) string {
	return batchID + "/" + chunkID
}

// Process handles POST /process: it rejects a chunk already in flight,
// reinitializes a terminal chunk's store, or creates a fresh one, then
// arms the phase engine (spec §4.7).
func (m *Manager) Process(ctx context.Context, req ProcessRequest) (ProcessResponse, error) {
	k := workerKey(req.BatchID, req.ChunkID)

	m.mu.Lock()
	if w, ok := m.workers[k]; ok {
		m.mu.Unlock()
		state, err := w.db.GetState(ctx)
		if err != nil {
			return ProcessResponse{}, err
		}
		phase := ""
		if state != nil {
			phase = string(state.Phase)
		}
		return ProcessResponse{Status: "already_processing", ChunkID: req.ChunkID, Phase: phase}, nil
	}
	m.mu.Unlock()

	if err := m.home.EnsureExists(); err != nil {
		return ProcessResponse{}, err
	}
	path := m.home.ChunkDBPath(req.BatchID, req.ChunkID)

	db, err := store.Open(ctx, path)
	if err != nil {
		return ProcessResponse{}, fmt.Errorf("failed to open chunk store: %w", err)
	}

	state, err := db.GetState(ctx)
	if err != nil {
		db.Close()
		return ProcessResponse{}, err
	}

	w := newWorker(req.BatchID, req.ChunkID, db, m.cfg, m.onTerminal(k))

	if state != nil && (!state.Phase.Terminal() || state.GlobalRetryCount < w.cb.Attempts()) {
		// Persisted state with no in-memory worker means the process
		// restarted: mid-chunk if non-terminal, or mid-callback-retry if the
		// worker had already reached DONE/ERROR but crashed before
		// exhausting its callback attempt budget (global_retry_count still
		// below what the dispatcher allows). Either way resume rather than
		// rejecting or reinitializing over a chunk whose results were never
		// reported.
		if err := w.resume(ctx); err != nil {
			db.Close()
			return ProcessResponse{}, err
		}
		m.mu.Lock()
		m.workers[k] = w
		m.mu.Unlock()
		w.arm(ctx, w.alarmInterval())
		return ProcessResponse{Status: "already_processing", ChunkID: req.ChunkID, Phase: string(state.Phase)}, nil
	}

	// A store file can survive here from a prior run whose callback
	// exhausted its retry budget (terminal phase, global_retry_count already
	// at the dispatcher's attempt limit). Clear its refs/pis/debug_log
	// before reinitializing so this run genuinely redoes
	// FETCH->PROCESS->PUBLISH instead of fast-forwarding to DONE against the
	// old run's leftover rows.
	if err := db.ResetForReinit(ctx); err != nil {
		db.Close()
		return ProcessResponse{}, err
	}
	if err := db.InitState(ctx, req.BatchID, req.ChunkID); err != nil {
		db.Close()
		return ProcessResponse{}, err
	}
	for _, pi := range req.PIs {
		if err := db.InsertPI(ctx, pi.PI); err != nil {
			db.Close()
			return ProcessResponse{}, err
		}
	}

	m.mu.Lock()
	m.workers[k] = w
	m.mu.Unlock()
	w.arm(ctx, w.alarmInterval())

	return ProcessResponse{
		Status:    "accepted",
		ChunkID:   req.ChunkID,
		TotalPIs:  len(req.PIs),
		TotalRefs: 0,
	}, nil
}

// onTerminal returns the callback a Worker invokes exactly once, on
// reaching DONE/ERROR and attempting its final callback. It always
// removes the worker from the registry so a subsequent /process can
// either reinitialize (callback delivered) or re-resume (callback failed
// and state was preserved on disk).
func (m *Manager) onTerminal(k string) func(cleaned bool) {
	return func(cleaned bool) {
		m.mu.Lock()
		w := m.workers[k]
		delete(m.workers, k)
		m.mu.Unlock()
		if w != nil && !cleaned {
			w.db.Close()
		}
	}
}

// Status handles GET /status: a read-only snapshot of the chunk's current
// phase, progress, backoff window, and debug log tail (spec §4.7).
func (m *Manager) Status(ctx context.Context, batchID, chunkID string) (StatusResponse, error) {
	k := workerKey(batchID, chunkID)

	m.mu.Lock()
	w, ok := m.workers[k]
	m.mu.Unlock()
	if ok {
		return w.snapshot(ctx)
	}

	path := m.home.ChunkDBPath(batchID, chunkID)
	if !store.Exists(path) {
		return StatusResponse{Status: "not_found"}, nil
	}

	db, err := store.Open(ctx, path)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("failed to open chunk store for status: %w", err)
	}
	defer db.Close()

	return snapshotFromDB(ctx, db)
}

// snapshot reads a live worker's current state through its own connection.
// The backoff window is read from persisted state (SetBackoff runs at the
// end of every PROCESS fire) rather than the in-memory controller, so a
// live and a reopened snapshot agree.
func (w *Worker) snapshot(ctx context.Context) (StatusResponse, error) {
	return snapshotFromDB(ctx, w.db)
}

func snapshotFromDB(ctx context.Context, db *store.DB) (StatusResponse, error) {
	state, err := db.GetState(ctx)
	if err != nil {
		return StatusResponse{}, err
	}
	if state == nil {
		return StatusResponse{Status: "not_found"}, nil
	}

	resp := StatusResponse{Phase: string(state.Phase)}
	switch state.Phase {
	case store.PhaseDone:
		resp.Status = "done"
	case store.PhaseError:
		resp.Status = "error"
		resp.Error = state.GlobalError
	default:
		resp.Status = "processing"
	}

	pending := state.TotalRefs - state.CompletedRefs - state.FailedRefs - state.SkippedRefs
	if pending < 0 {
		pending = 0
	}
	resp.Progress = &StatusProgress{
		TotalRefs: state.TotalRefs,
		Completed: state.CompletedRefs,
		Failed:    state.FailedRefs,
		Skipped:   state.SkippedRefs,
		Pending:   pending,
	}

	resp.Backoff = &StatusBackoff{ConsecutiveErrors: state.ConsecutiveErrors}
	if state.BackoffUntilMs != nil {
		resp.Backoff.BackoffUntil = time.UnixMilli(*state.BackoffUntilMs).UTC().Format(time.RFC3339)
	}

	entries, err := db.TailDebugLog(ctx, 20)
	if err != nil {
		return StatusResponse{}, err
	}
	for _, e := range entries {
		resp.DebugLog = append(resp.DebugLog, e.Timestamp.Format(time.RFC3339)+" "+e.Message)
	}

	return resp, nil
}
