package chunkworker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Arke-Institute/arke-ocr-service/internal/ocrclient"
	"github.com/Arke-Institute/arke-ocr-service/internal/store"
)

// runProcess drains up to MAX_PARALLEL pending refs per fire, dispatching
// them concurrently and waiting for all to settle before deciding the
// chunk's backoff state and the next fire's delay (spec §4.3).
func (w *Worker) runProcess(ctx context.Context) (time.Duration, bool, error) {
	if w.backoff.IsInBackoff() {
		delay := w.backoff.Remaining() + 100*time.Millisecond
		if delay > maxProcessBackoffMs*time.Millisecond {
			delay = maxProcessBackoffMs * time.Millisecond
		}
		return delay, false, nil
	}

	refs, err := w.db.SelectPendingRefs(ctx, w.cfg.MaxParallel)
	if err != nil {
		return 0, false, err
	}
	if len(refs) == 0 {
		if err := w.db.SetPhase(ctx, store.PhasePublishing); err != nil {
			return 0, false, err
		}
		return w.alarmInterval(), false, nil
	}

	ids := make([]int64, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	if err := w.db.MarkProcessing(ctx, ids); err != nil {
		return 0, false, err
	}

	outcomes := make([]refOutcome, len(refs))
	var g errgroup.Group
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			outcomes[i] = w.processOneRef(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	hadRateLimit := false
	var completedDelta, failedDelta, skippedDelta int

	for i, outcome := range outcomes {
		ref := refs[i]
		switch outcome.kind {
		case outcomeSkipped:
			if err := w.db.MarkRefSkipped(ctx, ref.ID, outcome.resultCID, outcome.textLength); err != nil {
				return 0, false, err
			}
			skippedDelta++
		case outcomeDone:
			if err := w.db.MarkRefDone(ctx, ref.ID, outcome.resultCID, outcome.textLength); err != nil {
				return 0, false, err
			}
			completedDelta++
		case outcomeRateLimit:
			if err := w.db.MarkRateLimited(ctx, ref.ID); err != nil {
				return 0, false, err
			}
			hadRateLimit = true
		case outcomePermanent:
			if err := w.db.MarkPermanentError(ctx, ref.ID, outcome.errMsg); err != nil {
				return 0, false, err
			}
			failedDelta++
		case outcomeTransient:
			terminal, err := w.db.MarkTransientOutcome(ctx, ref.ID, outcome.errMsg, w.cfg.MaxRetriesPerRef)
			if err != nil {
				return 0, false, err
			}
			if terminal {
				failedDelta++
			}
		}
	}

	if hadRateLimit {
		w.backoff.OnError()
	} else {
		w.backoff.OnSuccess()
	}
	ce, until := w.backoff.Snapshot()
	if err := w.db.SetBackoff(ctx, ce, until); err != nil {
		return 0, false, err
	}

	if err := w.db.IncrementCounters(ctx, completedDelta, failedDelta, skippedDelta); err != nil {
		return 0, false, err
	}

	if hadRateLimit {
		delay := w.backoff.Remaining() + 100*time.Millisecond
		if delay > maxProcessBackoffMs*time.Millisecond {
			delay = maxProcessBackoffMs * time.Millisecond
		}
		return delay, false, nil
	}
	return w.alarmInterval(), false, nil
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomeDone
	outcomeRateLimit
	outcomePermanent
	outcomeTransient
)

type refOutcome struct {
	kind       outcomeKind
	resultCID  string
	textLength int
	errMsg     string
}

// processOneRef runs the per-ref OCR pipeline: skip-if-already-has-ocr,
// otherwise call the provider on the primary variant URL with one
// fallback retry on the documented 400/failed-to-download fault, then
// re-upload the updated ref document (spec §4.3).
func (w *Worker) processOneRef(ctx context.Context, ref store.Ref) refOutcome {
	doc, err := parseRefDoc([]byte(ref.RefDataJSON))
	if err != nil {
		return refOutcome{kind: outcomePermanent, errMsg: "malformed cached ref json: " + err.Error()}
	}

	if doc.OCR != "" {
		up, err := w.cas.Upload(ctx, ref.PI, ref.Filename, []byte(ref.RefDataJSON))
		if err != nil {
			return refOutcome{kind: outcomeTransient, errMsg: "failed to re-upload skipped ref: " + err.Error()}
		}
		return refOutcome{kind: outcomeSkipped, resultCID: up.CID, textLength: len(doc.OCR)}
	}

	primary, fallback, hasFallback := ocrclient.VariantURLs(ref.CDNUrl)

	result, err := w.ocr.Extract(ctx, primary)
	if err != nil && hasFallback {
		statusCode, message := apiErrorDetail(err)
		if ocrclient.IsFallbackTrigger(statusCode, message) {
			result, err = w.ocr.Extract(ctx, fallback)
		}
	}
	if err != nil {
		statusCode, message := apiErrorDetail(err)
		return refOutcome{kind: classify(statusCode, message), errMsg: message}
	}

	updated, err := doc.withOCR(result.Text)
	if err != nil {
		return refOutcome{kind: outcomeTransient, errMsg: err.Error()}
	}

	up, err := w.cas.Upload(ctx, ref.PI, ref.Filename, updated)
	if err != nil {
		return refOutcome{kind: outcomeTransient, errMsg: "failed to upload ocr result: " + err.Error()}
	}
	return refOutcome{kind: outcomeDone, resultCID: up.CID, textLength: len(result.Text)}
}

// apiErrorDetail extracts the raw (status code, message) pair carried by
// an *ocrclient.APIError, or treats err.Error() as the message for any
// other failure (e.g. a wrapped context deadline).
func apiErrorDetail(err error) (int, string) {
	var apiErr *ocrclient.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, apiErr.Message
	}
	return 0, err.Error()
}

// classify resolves a raw (status code, message) pair to an outcome kind
// via ocrclient's taxonomy.
func classify(statusCode int, message string) outcomeKind {
	switch ocrclient.Classify(statusCode, message).(type) {
	case *ocrclient.RateLimitError:
		return outcomeRateLimit
	case *ocrclient.PermanentError:
		return outcomePermanent
	default:
		return outcomeTransient
	}
}
