package chunkworker

import (
	"context"
	"fmt"
	"time"

	"github.com/Arke-Institute/arke-ocr-service/internal/callback"
	"github.com/Arke-Institute/arke-ocr-service/internal/store"
)

// runPublish attempts a fresh-tip CAS append for every PI that has not yet
// been marked entity_updated, then transitions to DONE (spec §4.5).
func (w *Worker) runPublish(ctx context.Context) (time.Duration, bool, error) {
	pis, err := w.db.PendingPIs(ctx)
	if err != nil {
		return 0, false, err
	}

	for _, pi := range pis {
		if err := w.publishPI(ctx, pi.PI); err != nil {
			return 0, false, err
		}
	}

	if err := w.db.MarkDone(ctx); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

// publishPI collects one PI's completed refs and either appends them as a
// new entity version or advances entity_updated with no-op/error, per the
// outcome table in spec §4.5.
func (w *Worker) publishPI(ctx context.Context, pi string) error {
	refs, err := w.db.RefsForPublish(ctx, pi)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return w.db.MarkPINoOp(ctx, pi)
	}

	components := make(map[string]string, len(refs))
	for _, r := range refs {
		components[r.Filename] = r.ResultCID
	}
	note := fmt.Sprintf("ocr batch=%s chunk=%s", w.batchID, w.chunkID)

	result, err := w.cas.AppendWithFreshTip(ctx, pi, components, note)
	if err != nil {
		w.logger.Warn("publish failed for pi, recording entity_error", "pi", pi, "error", err)
		return w.db.MarkPIErrored(ctx, pi, err.Error())
	}
	return w.db.MarkPIPublished(ctx, pi, result.Tip, result.Version)
}

// buildCallbackPayload assembles the terminal callback body from the
// worker's final state (spec §6).
func (w *Worker) buildCallbackPayload(ctx context.Context, state *store.ChunkState) (callback.Payload, error) {
	pis, err := w.db.AllPIs(ctx)
	if err != nil {
		return callback.Payload{}, err
	}

	results := make([]callback.PIResult, 0, len(pis))
	for _, pi := range pis {
		completedRefs, err := w.db.RefsForPublish(ctx, pi.PI)
		if err != nil {
			return callback.Payload{}, err
		}
		failedRefs, err := w.db.FailedRefsForPI(ctx, pi.PI)
		if err != nil {
			return callback.Payload{}, err
		}

		r := callback.PIResult{
			PI:            pi.PI,
			Status:        callback.ComputePIStatus(pi.EntityError, len(completedRefs), len(failedRefs)),
			RefsCompleted: len(completedRefs),
			RefsFailed:    len(failedRefs),
		}
		if pi.HasNewVersion {
			r.NewTip = pi.NewTip
			r.NewVersion = pi.NewVersion
		}
		for _, f := range failedRefs {
			r.FailedRefs = append(r.FailedRefs, callback.FailedRef{Filename: f.Filename, Error: f.Error})
		}
		results = append(results, r)
	}

	summary := callback.Summary{
		TotalRefs:        state.TotalRefs,
		Completed:        state.CompletedRefs,
		Failed:           state.FailedRefs,
		Skipped:          state.SkippedRefs,
		ProcessingTimeMs: time.Since(state.StartedAt).Milliseconds(),
	}
	return callback.NewPayload(w.batchID, w.chunkID, results, summary, state.GlobalError), nil
}
