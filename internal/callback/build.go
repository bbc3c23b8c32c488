package callback

// ComputePIStatus classifies one PI's outcome per the callback contract:
// "error" if entityError is non-empty or every ref failed with none
// completed; "partial" if some refs completed and some failed; "success"
// otherwise.
func ComputePIStatus(entityError string, completed, failed int) string {
	if entityError != "" {
		return StatusError
	}
	if failed > 0 && completed == 0 {
		return StatusError
	}
	if completed > 0 && failed > 0 {
		return StatusPartial
	}
	return StatusSuccess
}

// ComputeOverallStatus rolls up per-PI statuses into the chunk-wide status:
// "success" if every PI succeeded, "error" if every PI errored, "partial"
// otherwise. A chunk with zero PIs is success (spec §9 open question: the
// zero-PI chunk quietly advances to DONE).
func ComputeOverallStatus(piStatuses []string) string {
	if len(piStatuses) == 0 {
		return StatusSuccess
	}
	allSuccess, allError := true, true
	for _, s := range piStatuses {
		if s != StatusSuccess {
			allSuccess = false
		}
		if s != StatusError {
			allError = false
		}
	}
	switch {
	case allSuccess:
		return StatusSuccess
	case allError:
		return StatusError
	default:
		return StatusPartial
	}
}

// NewPayload assembles the callback body from already-computed per-PI
// results and summary. When globalError is non-empty the overall status is
// forced to "error" regardless of per-PI outcomes (spec §4.6: the ERROR
// phase callback carries status="error").
func NewPayload(batchID, chunkID string, results []PIResult, summary Summary, globalError string) Payload {
	status := ComputeOverallStatus(statusesOf(results))
	if globalError != "" {
		status = StatusError
	}
	return Payload{
		BatchID: batchID,
		ChunkID: chunkID,
		Status:  status,
		Results: results,
		Summary: summary,
		Error:   globalError,
	}
}

func statusesOf(results []PIResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Status
	}
	return out
}
