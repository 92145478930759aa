// Package task defines the Task value type, its identity, serialization,
// validity invariants, and the status/exception taxonomies described in
// the engine's data model.
package task

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies the transfer shape of a Task.
type Kind string

// Recognized task kinds.
const (
	KindDownload         Kind = "download"
	KindUpload           Kind = "upload"
	KindDataRequest      Kind = "dataRequest"
	KindParallelDownload Kind = "parallelDownload"
	KindMultiUpload      Kind = "multiUpload"
)

// BaseDirectory is a symbolic root that Directory/Filename are resolved
// against; see Task.ResolvedPath.
type BaseDirectory string

// Recognized base directories.
const (
	BaseApplicationDocuments BaseDirectory = "applicationDocuments"
	BaseTemporary            BaseDirectory = "temporary"
	BaseApplicationSupport   BaseDirectory = "applicationSupport"
	BaseApplicationLibrary   BaseDirectory = "applicationLibrary"
	BaseRoot                 BaseDirectory = "root"
)

// Updates selects which update channels a task's progress is delivered on.
type Updates string

// Recognized update levels.
const (
	UpdatesNone             Updates = "none"
	UpdatesStatus           Updates = "status"
	UpdatesProgress         Updates = "progress"
	UpdatesStatusAndProgress Updates = "statusAndProgress"
)

// WantsStatus reports whether status updates should be emitted.
func (u Updates) WantsStatus() bool {
	return u == UpdatesStatus || u == UpdatesStatusAndProgress
}

// WantsProgress reports whether progress updates should be emitted.
func (u Updates) WantsProgress() bool {
	return u == UpdatesProgress || u == UpdatesStatusAndProgress
}

// Default priority (0 = highest, 10 = lowest).
const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

// Retry bounds.
const (
	MinRetries = 0
	MaxRetries = 10
)

// binaryUploadSentinel marks an upload body as a raw-bytes (non-multipart) upload.
const binaryUploadSentinel = "binary"

// Task is a transfer specification passed by value: changes are made on a
// copy (see WithDefaults); every method has a value receiver.
type Task struct {
	TaskID      string            `json:"taskId"`
	Kind        Kind              `json:"taskType"`
	URL         string            `json:"url"`
	QueryParams map[string]string `json:"urlQueryParameters,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	HTTPMethod  string            `json:"httpMethod"`

	// Body holds at most one of these; other fields are zero.
	BodyString string            `json:"bodyString,omitempty"`
	BodyBytes  []byte            `json:"bodyBytes,omitempty"`
	BodyFields map[string]string `json:"bodyFields,omitempty"`

	Filename      string        `json:"filename"`
	Directory     string        `json:"directory"`
	BaseDirectory BaseDirectory `json:"baseDirectory"`

	Group   string  `json:"group"`
	Updates Updates `json:"updates"`

	RequiresWiFi     bool `json:"requiresWiFi"`
	Retries          int  `json:"retries"`
	RetriesRemaining int  `json:"retriesRemaining"`
	AllowPause       bool `json:"allowPause"`

	Priority     int            `json:"priority"`
	CreationTime int64          `json:"creationTime"` // milliseconds since epoch
	MetaData     string         `json:"metaData,omitempty"`
	DisplayName  string         `json:"displayName,omitempty"`

	// Names of host callbacks registered in a callback.CallbackRegistry;
	// empty means no hook of that kind runs for this task.
	StartHookName    string `json:"onTaskStartCallback,omitempty"`
	FinishedHookName string `json:"onTaskFinishedCallback,omitempty"`
	AuthHookName     string `json:"onAuthCallback,omitempty"`

	// Upload-only fields.
	FileField string `json:"fileField,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Post      string `json:"post,omitempty"` // "binary" selects binary upload

	// Download-only fields.
	RangeStart     int64 `json:"rangeStart,omitempty"`
	UniqueFilename bool  `json:"uniqueFilename,omitempty"`
}

// unknownFilenameSentinel marks a download task whose filename must be
// derived from the response (Content-Disposition or URL path segment).
const unknownFilenameSentinel = "?"

// HasUnknownFilename reports whether filename derivation is required.
func (t Task) HasUnknownFilename() bool {
	return t.Filename == unknownFilenameSentinel
}

// IsBinaryUpload reports whether the task's upload body should be sent as a
// raw byte stream rather than multipart/form-data.
func (t Task) IsBinaryUpload() bool {
	return t.Post == binaryUploadSentinel
}

// WithDefaults returns a copy of t with a generated TaskID (if empty), an
// upper-cased HTTP method (GET if empty), group "default" (if empty),
// CreationTime set to nowMillis (if zero), and RetriesRemaining seeded from
// Retries. Priority is left as given. Callers must still run Validate
// afterward.
func (t Task) WithDefaults(nowMillis int64) Task {
	out := t

	if out.TaskID == "" {
		out.TaskID = uuid.NewString()
	}

	if out.HTTPMethod == "" {
		out.HTTPMethod = "GET"
	}

	out.HTTPMethod = strings.ToUpper(out.HTTPMethod)

	if out.Group == "" {
		out.Group = "default"
	}

	if out.CreationTime == 0 {
		out.CreationTime = nowMillis
	}

	if out.RetriesRemaining == 0 && out.Retries > 0 {
		out.RetriesRemaining = out.Retries
	}

	return out
}

// NewTask builds a Task with spec-mandated defaults applied (priority 5,
// group "default", method GET), then WithDefaults for the remaining fields.
func NewTask(nowMillis int64) Task {
	return Task{
		HTTPMethod: "GET",
		Group:      "default",
		Priority:   DefaultPriority,
		Updates:    UpdatesStatus,
	}.WithDefaults(nowMillis)
}

// Equal reports entity equality: two tasks are the same entity iff their
// TaskID matches, per the identity invariant in the data model.
func (t Task) Equal(other Task) bool {
	return t.TaskID == other.TaskID
}

// Validate checks the invariants from the data model section. It does not
// mutate t.
func (t Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task: taskId must not be empty")
	}

	if strings.ContainsAny(t.Filename, "/\\") {
		return fmt.Errorf("task %s: filename %q must not contain a path separator", t.TaskID, t.Filename)
	}

	if strings.HasPrefix(t.Directory, "/") || strings.HasPrefix(t.Directory, "\\") {
		return fmt.Errorf("task %s: directory %q must not be absolute", t.TaskID, t.Directory)
	}

	if t.Retries < MinRetries || t.Retries > MaxRetries {
		return fmt.Errorf("task %s: retries %d out of range [%d,%d]", t.TaskID, t.Retries, MinRetries, MaxRetries)
	}

	if t.AllowPause && t.HTTPMethod != "GET" {
		return fmt.Errorf("task %s: allowPause requires httpMethod GET, got %s", t.TaskID, t.HTTPMethod)
	}

	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("task %s: priority %d out of range [%d,%d]", t.TaskID, t.Priority, MinPriority, MaxPriority)
	}

	switch t.HTTPMethod {
	case "GET", "POST", "HEAD", "PUT", "DELETE", "PATCH":
	default:
		return fmt.Errorf("task %s: unsupported httpMethod %q", t.TaskID, t.HTTPMethod)
	}

	return nil
}
