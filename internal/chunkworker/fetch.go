package chunkworker

import (
	"context"
	"strings"
	"time"

	"github.com/Arke-Institute/arke-ocr-service/internal/store"
)

// runFetch walks every PI in the chunk, enumerates its `.ref.json`
// components, downloads and validates each one, and materializes the
// PROCESS work queue as individual refs rows (spec §4.2).
func (w *Worker) runFetch(ctx context.Context) (time.Duration, bool, error) {
	pis, err := w.db.AllPIs(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(pis) == 0 {
		w.debugLog(ctx, "chunk has no pis, advancing with an empty work queue")
	}

	total := 0
	for _, pi := range pis {
		n, err := w.fetchPI(ctx, pi.PI)
		if err != nil {
			w.logger.Warn("pi fetch failed, publishing with empty ref list", "pi", pi.PI, "error", err)
			w.debugLog(ctx, "fetch failed for pi "+pi.PI+": "+err.Error())
			continue
		}
		total += n
	}

	if err := w.db.SetTotalRefs(ctx, total); err != nil {
		return 0, false, err
	}
	if err := w.db.SetPhase(ctx, store.PhaseProcessing); err != nil {
		return 0, false, err
	}
	return w.alarmInterval(), false, nil
}

// fetchPI resolves one entity's manifest and inserts one refs row per
// valid `.ref.json` component, returning the count inserted.
func (w *Worker) fetchPI(ctx context.Context, pi string) (int, error) {
	entity, err := w.cas.GetEntity(ctx, pi)
	if err != nil {
		return 0, err
	}

	count := 0
	for filename, cid := range entity.Components {
		if !strings.HasSuffix(filename, ".ref.json") {
			continue
		}

		raw, err := w.cas.Download(ctx, cid)
		if err != nil {
			w.logger.Warn("ref download failed, skipping", "pi", pi, "filename", filename, "error", err)
			w.debugLog(ctx, "download failed for "+pi+"/"+filename+": "+err.Error())
			continue
		}

		doc, err := parseRefDoc(raw)
		if err != nil || doc.URL == "" {
			w.logger.Warn("ref missing usable url, skipping", "pi", pi, "filename", filename)
			w.debugLog(ctx, "ref "+pi+"/"+filename+" has no usable url, skipped")
			continue
		}

		if err := w.db.InsertRef(ctx, pi, filename, doc.URL, cid, string(raw)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (w *Worker) debugLog(ctx context.Context, message string) {
	if err := w.db.AppendDebugLog(ctx, message); err != nil {
		w.logger.Warn("failed to append debug log", "error", err)
	}
}
