package lifecycle

import (
	"time"

	"github.com/zombor/text-scanner/internal/history"
	"github.com/zombor/text-scanner/internal/quota"
)

// State is a step of a scan attempt
type State string

const (
	StateIdle          State = "idle"
	StateCheckingQuota State = "checking_quota"
	StateAcquiring     State = "acquiring"
	StateRecognizing   State = "recognizing"
	StatePersisting    State = "persisting"
	StateDone          State = "done"
	StateQuotaExceeded State = "quota_exceeded"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether an attempt in state s has finished
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateQuotaExceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Running reports whether an attempt in state s is still in flight
func (s State) Running() bool {
	return s != StateIdle && !s.Terminal()
}

// Reason explains a failed attempt
type Reason string

const (
	ReasonCameraUnavailable Reason = "camera_unavailable"
	ReasonUnsupportedFormat Reason = "unsupported_format"
	ReasonAcquisitionFailed Reason = "acquisition_failed"
	ReasonRecognitionFailed Reason = "recognition_failed"
	ReasonPersistenceError  Reason = "persistence_error"
	ReasonQuotaUnavailable  Reason = "quota_unavailable"
)

var reasonMessages = map[Reason]string{
	ReasonCameraUnavailable: "Camera is not available. Check that it is connected and that access is allowed.",
	ReasonUnsupportedFormat: "Invalid file type. Please upload an image or PDF.",
	ReasonAcquisitionFailed: "Error reading image. Please try again.",
	ReasonRecognitionFailed: "Text recognition failed. Please try again.",
	ReasonPersistenceError:  "The text was recognized but could not be saved. Please try again.",
	ReasonQuotaUnavailable:  "Unable to check your scan allowance. Please try again later.",
}

// Message is the user-facing explanation of r
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return "Internal server error"
}

// Status is a snapshot of the current attempt
type Status struct {
	AttemptID string              `json:"attempt_id,omitempty"`
	State     State               `json:"state"`
	Reason    Reason              `json:"reason,omitempty"`
	Source    history.Source      `json:"source,omitempty"`
	Text      string              `json:"text"`
	Record    *history.ScanRecord `json:"record,omitempty"`
	Quota     *quota.State        `json:"quota,omitempty"`
	StartedAt *time.Time          `json:"started_at,omitempty"`
	Message   string              `json:"error,omitempty"`

	// Err is the error behind a failed attempt. It is logged, never shown to clients.
	Err error `json:"-"`
}

// Retryable reports whether the user should be offered a new attempt.
// Quota denials need a plan change instead.
func (s Status) Retryable() bool {
	return s.State == StateFailed
}

// UpgradeRequired reports whether the attempt was denied for quota
func (s Status) UpgradeRequired() bool {
	return s.State == StateQuotaExceeded
}
