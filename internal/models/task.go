package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	StatusUploading      TaskStatus = "UPLOADING"
	StatusReadyToTrigger TaskStatus = "READY_TO_TRIGGER"
	StatusPending        TaskStatus = "PENDING"
	StatusInProcess      TaskStatus = "IN_PROCESS"
	StatusCompleted      TaskStatus = "COMPLETED"
	StatusFailed         TaskStatus = "FAILED"
	StatusUploadFailed   TaskStatus = "UPLOAD_FAILED"
	StatusTimedOut       TaskStatus = "TIMED_OUT"
)

// transitions is the directed status graph. Self-loops on PENDING and
// IN_PROCESS let repeated poll responses be applied as ordinary writes.
var transitions = map[TaskStatus][]TaskStatus{
	StatusUploading:      {StatusReadyToTrigger, StatusUploadFailed},
	StatusReadyToTrigger: {StatusPending},
	StatusPending:        {StatusPending, StatusInProcess, StatusCompleted, StatusFailed, StatusTimedOut},
	StatusInProcess:      {StatusInProcess, StatusCompleted, StatusFailed, StatusTimedOut},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition occurs.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusUploadFailed, StatusTimedOut:
		return true
	}
	return false
}

// IsBusy reports whether the status holds the global single-flight slot.
func (s TaskStatus) IsBusy() bool {
	return s == StatusUploading || s == StatusPending || s == StatusInProcess
}

// IsFailure reports whether the status is one of the failure terminals.
func (s TaskStatus) IsFailure() bool {
	return s == StatusFailed || s == StatusUploadFailed || s == StatusTimedOut
}

func (s TaskStatus) String() string {
	return string(s)
}

// ParseServerStatus maps the status string reported by the extraction
// backend onto the local enumeration. The backend has used several spellings
// over time; unknown values return ok=false.
func ParseServerStatus(raw string) (TaskStatus, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	switch key {
	case "PENDING", "NOT_STARTED", "QUEUED":
		return StatusPending, true
	case "IN_PROCESS", "IN_PROGRESS", "PROCESSING", "RUNNING":
		return StatusInProcess, true
	case "COMPLETED", "SUCCESS":
		return StatusCompleted, true
	case "FAILED", "FAILURE", "ERROR":
		return StatusFailed, true
	case "TIMED_OUT":
		return StatusTimedOut, true
	}
	return "", false
}

// Output is the result payload attached to a task. A successful extraction
// carries the table names; failures carry a human-readable reason.
type Output struct {
	ExtractedTables []string        `json:"extracted_tables,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Error           string          `json:"error,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// FailureOutput builds the payload recorded for a locally detected failure.
func FailureOutput(reason string) *Output {
	return &Output{Reason: reason}
}

// FailureReason returns the reason, falling back to the error text.
func (o *Output) FailureReason() string {
	if o == nil {
		return ""
	}
	if o.Reason != "" {
		return o.Reason
	}
	return o.Error
}

// Clone returns a deep copy.
func (o *Output) Clone() *Output {
	if o == nil {
		return nil
	}
	c := *o
	if o.ExtractedTables != nil {
		c.ExtractedTables = append([]string(nil), o.ExtractedTables...)
	}
	if o.Raw != nil {
		c.Raw = append(json.RawMessage(nil), o.Raw...)
	}
	return &c
}

// Task tracks one document through upload, trigger and polling.
type Task struct {
	ID        string     `json:"id"`
	Filename  string     `json:"filename"`
	DocID     string     `json:"docId,omitempty"`
	TaskID    string     `json:"taskId,omitempty"`
	Status    TaskStatus `json:"status"`
	Output    *Output    `json:"output"`
	PollCount int        `json:"pollCount"`
	Version   uint64     `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() Task {
	c := *t
	c.Output = t.Output.Clone()
	return c
}

// Tables returns the extracted table names of a completed task.
func (t *Task) Tables() []string {
	if t.Status != StatusCompleted || t.Output == nil {
		return nil
	}
	return t.Output.ExtractedTables
}
