package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"bookfetch/internal/release"
)

// Status is a task's position in the acquisition state machine.
type Status string

const (
	StatusPending        Status = "pending"
	StatusSearching      Status = "searching"
	StatusSelected       Status = "selected"
	StatusQueued         Status = "queued_for_download"
	StatusDownloading    Status = "downloading"
	StatusVerifying      Status = "verifying"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusRetryScheduled Status = "retry_scheduled"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the task occupies a download slot.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusDownloading || s == StatusVerifying
}

// FailureCode classifies why a task failed.
type FailureCode string

const (
	FailureNone       FailureCode = ""
	FailureNotFound   FailureCode = "not_found"
	FailureExhausted  FailureCode = "exhausted"
	FailureCorrupt    FailureCode = "corrupt"
	FailureCancelled  FailureCode = "cancelled"
	FailureRatioBlock FailureCode = "ratio_blocked"
)

// Task is one tracked acquisition of a target work.
type Task struct {
	ID     int64  `json:"id"`
	WorkID string `json:"work_id"`

	Title  string `json:"title"`
	Author string `json:"author"`

	Status      Status      `json:"status"`
	Attempt     int         `json:"attempt"`
	FailureCode FailureCode `json:"failure_code,omitempty"`
	ErrorMsg    string      `json:"error_message,omitempty"`

	// Paused and Cancelling are sub-states layered over Status; a paused
	// downloading task is still "downloading" for state machine purposes.
	Paused     bool `json:"paused"`
	Cancelling bool `json:"cancelling"`

	// Selected is the chosen release; Alternates are the remaining ranked
	// candidates for retry without re-discovery.
	Selected   *release.Candidate  `json:"selected,omitempty"`
	Alternates []release.Candidate `json:"alternates,omitempty"`

	// DownloadID is the download client's handle for the submitted transfer.
	DownloadID string `json:"download_id,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`

	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ContentID returns the selected release's content identifier, empty when
// nothing is selected yet.
func (t *Task) ContentID() string {
	if t.Selected == nil {
		return ""
	}
	return t.Selected.ContentID
}

// validTransitions is the full edge set of the state machine. Anything not
// listed here is rejected.
var validTransitions = map[Status][]Status{
	StatusPending:        {StatusSearching, StatusFailed},
	StatusSearching:      {StatusSelected, StatusFailed, StatusRetryScheduled, StatusPending},
	StatusSelected:       {StatusQueued, StatusFailed, StatusRetryScheduled},
	StatusQueued:         {StatusDownloading, StatusFailed, StatusRetryScheduled},
	StatusDownloading:    {StatusVerifying, StatusFailed, StatusRetryScheduled},
	StatusVerifying:      {StatusCompleted, StatusFailed, StatusRetryScheduled},
	StatusRetryScheduled: {StatusQueued, StatusSearching, StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected state machine edge.
type TransitionError struct {
	TaskID int64
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %d: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

func marshalCandidate(c *release.Candidate) (string, error) {
	if c == nil {
		return "", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal selected candidate: %w", err)
	}
	return string(raw), nil
}

func unmarshalCandidate(raw string) (*release.Candidate, error) {
	if raw == "" {
		return nil, nil
	}
	var c release.Candidate
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("unmarshal selected candidate: %w", err)
	}
	return &c, nil
}

func marshalAlternates(cs []release.Candidate) (string, error) {
	if len(cs) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(cs)
	if err != nil {
		return "", fmt.Errorf("marshal alternates: %w", err)
	}
	return string(raw), nil
}

func unmarshalAlternates(raw string) ([]release.Candidate, error) {
	if raw == "" {
		return nil, nil
	}
	var cs []release.Candidate
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return nil, fmt.Errorf("unmarshal alternates: %w", err)
	}
	return cs, nil
}
