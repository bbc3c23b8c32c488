package store

import "time"

// Phase is a ChunkState's position in the FETCH -> PROCESS -> PUBLISH
// state machine.
type Phase string

const (
	PhaseFetching   Phase = "FETCHING"
	PhaseProcessing Phase = "PROCESSING"
	PhasePublishing Phase = "PUBLISHING"
	PhaseDone       Phase = "DONE"
	PhaseError      Phase = "ERROR"
)

// Terminal reports whether the phase is a terminal state for the worker.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// RefStatus is the lifecycle state of a single ref (image work item).
type RefStatus string

const (
	RefPending    RefStatus = "pending"
	RefProcessing RefStatus = "processing"
	RefDone       RefStatus = "done"
	RefSkipped    RefStatus = "skipped"
	RefError      RefStatus = "error"
)

// ChunkState is the single row describing this worker's overall progress.
type ChunkState struct {
	BatchID           string
	ChunkID           string
	StartedAt         time.Time
	CompletedAt       *time.Time
	Phase             Phase
	TotalRefs         int
	CompletedRefs     int
	FailedRefs        int
	SkippedRefs       int
	GlobalError       string
	GlobalRetryCount  int
	ConsecutiveErrors int
	BackoffUntilMs    *int64 // epoch-ms
}

// PI is one entity row in the chunk.
type PI struct {
	PI             string
	EntityUpdated  bool
	NewTip         string
	NewVersion     int64
	HasNewVersion  bool
	EntityError    string
}

// Ref is one image work item row.
type Ref struct {
	ID            int64
	PI            string
	Filename      string
	CDNUrl        string
	OriginalCID   string
	Status        RefStatus
	RetryCount    int
	RefDataJSON   string
	ResultCID     string
	OCRTextLength int
	Error         string
}

// DebugLogEntry is a single ring-buffer diagnostic entry.
type DebugLogEntry struct {
	ID        int64
	Timestamp time.Time
	Message   string
}
