package task

// Record mirrors a task's current state for host queries (spec.md §3
// TaskRecord).
type Record struct {
	Task             Task       `json:"task"`
	Status           Status     `json:"status"`
	Progress         float64    `json:"progress"`
	ExpectedFileSize int64      `json:"expectedFileSize"`
	Exception        *Exception `json:"exception,omitempty"`
}

// ResumeData is the persisted continuation state for a paused or
// resumable-failed download (spec.md §3).
type ResumeData struct {
	Task              Task   `json:"task"`
	TempFilePath      string `json:"tempFilePath,omitempty"`
	ResumeBlob        []byte `json:"resumeBlob,omitempty"`
	RequiredStartByte int64  `json:"requiredStartByte"`
	ETag              string `json:"eTag,omitempty"`
}

// UndeliveredKind distinguishes status from progress undelivered updates.
type UndeliveredKind string

// Recognized undelivered update kinds.
const (
	UndeliveredStatus   UndeliveredKind = "status"
	UndeliveredProgress UndeliveredKind = "progress"
)

// StatusUpdate is the payload delivered on the status channel.
type StatusUpdate struct {
	Task             Task       `json:"task"`
	Status           Status     `json:"status"`
	Exception        *Exception `json:"exception,omitempty"`
	ResponseBody     string     `json:"responseBody,omitempty"`
}

// ProgressUpdate is the payload delivered on the progress channel.
type ProgressUpdate struct {
	Task             Task    `json:"task"`
	Progress         float64 `json:"progress"`
	ExpectedFileSize int64   `json:"expectedFileSize"`
	NetworkSpeedMBps float64 `json:"networkSpeedMBps"`
	TimeRemainingMs  int64   `json:"timeRemainingMs"`
}

// UndeliveredUpdate is a status or progress payload that could not be
// delivered on the host channel, persisted keyed by TaskID.
type UndeliveredUpdate struct {
	TaskID   string          `json:"taskId"`
	Kind     UndeliveredKind `json:"kind"`
	Status   *StatusUpdate   `json:"status,omitempty"`
	Progress *ProgressUpdate `json:"progress,omitempty"`
}
