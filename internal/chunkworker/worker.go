// Package chunkworker is the phase engine: the timer-driven, single-threaded
// cooperative state machine (FETCH -> PROCESS -> PUBLISH -> DONE/ERROR) that
// drives one chunk of OCR work from /process acceptance through the final
// callback.
package chunkworker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Arke-Institute/arke-ocr-service/internal/backoff"
	"github.com/Arke-Institute/arke-ocr-service/internal/callback"
	"github.com/Arke-Institute/arke-ocr-service/internal/casstore"
	"github.com/Arke-Institute/arke-ocr-service/internal/ocrclient"
	"github.com/Arke-Institute/arke-ocr-service/internal/store"
)

const (
	defaultMaxParallel      = 20
	defaultMaxRetriesPerRef = 3
	defaultMaxGlobalRetries = 5
	defaultAlarmIntervalMs  = 100
	minCallbackBackoffMs    = 1000
	maxCallbackBackoffMs    = 60000
	maxProcessBackoffMs     = 5000
)

// WorkerConfig carries the worker's tunables and collaborator endpoints,
// normally sourced from internal/config.
type WorkerConfig struct {
	MaxParallel      int
	MaxRetriesPerRef int
	MaxGlobalRetries int
	AlarmIntervalMs  int

	OrchestratorURL string
	StoreBaseURL    string
	OCRAPIKey       string
	OCRBaseURL      string
	OCRModel        string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *WorkerConfig) setDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.MaxRetriesPerRef <= 0 {
		c.MaxRetriesPerRef = defaultMaxRetriesPerRef
	}
	if c.MaxGlobalRetries <= 0 {
		c.MaxGlobalRetries = defaultMaxGlobalRetries
	}
	if c.AlarmIntervalMs <= 0 {
		c.AlarmIntervalMs = defaultAlarmIntervalMs
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Worker drives a single (batch_id, chunk_id)'s phase engine. It is
// single-threaded cooperative: arm replaces any outstanding timer, so at
// most one fire is ever in flight for a given Worker.
type Worker struct {
	batchID, chunkID string

	db      *store.DB
	ocr     *ocrclient.Client
	cas     *casstore.Client
	cb      *callback.Dispatcher
	backoff *backoff.Controller
	cfg     WorkerConfig
	logger  *slog.Logger

	mu    sync.Mutex
	timer *time.Timer

	onTerminal func(cleaned bool)
}

// newWorker wires one worker's collaborators. onTerminal is invoked exactly
// once, when the worker reaches DONE or ERROR and has attempted its final
// callback; cleaned reports whether the backing store was dropped.
func newWorker(batchID, chunkID string, db *store.DB, cfg WorkerConfig, onTerminal func(cleaned bool)) *Worker {
	cfg.setDefaults()

	return &Worker{
		batchID: batchID,
		chunkID: chunkID,
		db:      db,
		ocr: ocrclient.New(ocrclient.Config{
			APIKey:     cfg.OCRAPIKey,
			BaseURL:    cfg.OCRBaseURL,
			Model:      cfg.OCRModel,
			HTTPClient: cfg.HTTPClient,
		}),
		cas: casstore.New(cfg.StoreBaseURL, cfg.HTTPClient),
		cb: callback.New(callback.Config{
			OrchestratorURL: cfg.OrchestratorURL,
			HTTPClient:      cfg.HTTPClient,
		}),
		backoff:    backoff.New(),
		cfg:        cfg,
		logger:     cfg.Logger.With("batch_id", batchID, "chunk_id", chunkID),
		onTerminal: onTerminal,
	}
}

// resume restores the in-memory backoff controller from persisted state and
// recovers any ref left mid-dispatch, used when a worker is recreated
// against an existing store file left by a process restart - whether
// mid-chunk (non-terminal phase) or mid-callback-retry (terminal phase,
// callback attempt budget not yet exhausted). The callback attempt count
// itself needs no restoring: finish reads and increments global_retry_count
// straight from the store on every attempt, so it survives a crash without
// any in-memory counter to lose.
func (w *Worker) resume(ctx context.Context) error {
	state, err := w.db.GetState(ctx)
	if err != nil {
		return err
	}
	if state != nil {
		w.backoff.Restore(state.ConsecutiveErrors, state.BackoffUntilMs)
	}

	swept, err := w.db.SweepProcessingToPending(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		if err := w.db.AppendDebugLog(ctx, fmt.Sprintf(
			"recovered from restart: %d ref(s) reset from processing to pending", swept)); err != nil {
			return err
		}
	}
	return nil
}

// arm (re)schedules the next fire after delay, replacing any outstanding
// timer so at most one is ever live for this worker.
func (w *Worker) arm(ctx context.Context, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(delay, func() { w.fire(ctx) })
}

// fire executes exactly one phase step and reschedules unless the worker
// has reached a terminal phase.
func (w *Worker) fire(ctx context.Context) {
	delay, terminal, err := w.step(ctx)
	if err != nil {
		delay, terminal = w.handleGlobalError(ctx, err)
	}
	if terminal {
		return
	}
	w.arm(ctx, delay)
}

// step reads the current phase and executes that phase's bounded work,
// returning the delay before the next fire and whether the worker has
// reached a terminal phase.
func (w *Worker) step(ctx context.Context) (time.Duration, bool, error) {
	state, err := w.db.GetState(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read worker state: %w", err)
	}
	if state == nil {
		return 0, true, nil
	}

	switch state.Phase {
	case store.PhaseFetching:
		return w.runFetch(ctx)
	case store.PhaseProcessing:
		return w.runProcess(ctx)
	case store.PhasePublishing:
		return w.runPublish(ctx)
	case store.PhaseDone, store.PhaseError:
		delay, terminal := w.finish(ctx, state)
		return delay, terminal, nil
	default:
		return 0, false, fmt.Errorf("unknown phase %q", state.Phase)
	}
}

func (w *Worker) alarmInterval() time.Duration {
	return time.Duration(w.cfg.AlarmIntervalMs) * time.Millisecond
}

// handleGlobalError absorbs an unhandled fire-level error: it bumps
// global_retry_count and backs off exponentially, transitioning to ERROR
// once global_retry_count reaches MAX_GLOBAL_RETRIES (spec §5, §7).
func (w *Worker) handleGlobalError(ctx context.Context, cause error) (time.Duration, bool) {
	w.logger.Error("unhandled fire error", "error", cause)

	retries, err := w.db.IncrementGlobalRetry(ctx)
	if err != nil {
		w.logger.Error("failed to persist global retry count", "error", err)
		return w.alarmInterval(), false
	}

	if retries >= w.cfg.MaxGlobalRetries {
		if err := w.db.SetGlobalError(ctx, cause.Error()); err != nil {
			w.logger.Error("failed to set global error", "error", err)
		}
		state, err := w.db.GetState(ctx)
		if err == nil && state != nil {
			return w.finish(ctx, state)
		}
		return 0, true
	}

	ms := minCallbackBackoffMs * (1 << uint(retries-1))
	if ms > maxCallbackBackoffMs {
		ms = maxCallbackBackoffMs
	}
	return time.Duration(ms) * time.Millisecond, false
}

// finish attempts the terminal callback once and, on success, drops the
// worker's backing store. It is the single path into termination from
// either DONE or ERROR. A failed attempt increments the same
// global_retry_count used by handleGlobalError (spec's callback retry and
// worker-global retry budgets share one persisted counter) and reports a
// non-terminal delay so fire re-arms and tries again after the dispatcher's
// configured gap, rather than blocking this call on an in-process sleep;
// only once the dispatcher's attempt budget is exhausted does it give up and
// preserve state for a manual retry.
func (w *Worker) finish(ctx context.Context, state *store.ChunkState) (time.Duration, bool) {
	payload, err := w.buildCallbackPayload(ctx, state)
	if err != nil {
		w.logger.Error("failed to build callback payload", "error", err)
		w.onTerminal(false)
		return 0, true
	}

	if err := w.cb.Send(ctx, payload); err != nil {
		retries, ierr := w.db.IncrementGlobalRetry(ctx)
		if ierr != nil {
			w.logger.Error("failed to persist callback retry count", "error", ierr)
			return w.cb.Delay(), false
		}
		if retries < w.cb.Attempts() {
			w.logger.Warn("callback delivery failed, will retry", "error", err, "attempt", retries)
			return w.cb.Delay(), false
		}
		w.logger.Error("callback delivery exhausted retries, preserving state", "error", err)
		w.onTerminal(false)
		return 0, true
	}

	if err := w.db.Cleanup(); err != nil {
		w.logger.Error("failed to clean up worker store after callback", "error", err)
		w.onTerminal(false)
		return 0, true
	}
	w.onTerminal(true)
	return 0, true
}
