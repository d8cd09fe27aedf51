package model

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

type ReportStatus string

// Report status constants
const (
	ReportStatusQueued    ReportStatus = "Queued"
	ReportStatusRunning   ReportStatus = "Running"
	ReportStatusCompleted ReportStatus = "Completed"
	ReportStatusFailed    ReportStatus = "Failed"
)

// Failure reasons recorded on a Failed report.
const (
	FailureReasonAnalyzer      = "AnalyzerFailure"
	FailureReasonTimeout       = "AnalyzerTimeout"
	FailureReasonMissingOutput = "MissingOutput"
	FailureReasonShutdown      = "ShutdownInterrupted"
	FailureReasonInternal      = "InternalError"
)

// reportNamespace seeds the name-based report ids.
var reportNamespace = uuid.MustParse("5b0c3f34-7d0e-4c55-9d6c-2b8f1d0a9e11")

func (s ReportStatus) IsTerminal() bool {
	return s == ReportStatusCompleted || s == ReportStatusFailed
}

// CanTransitionTo reports whether next is a valid successor of s.
func (s ReportStatus) CanTransitionTo(next ReportStatus) bool {
	switch s {
	case ReportStatusQueued:
		return next == ReportStatusRunning
	case ReportStatusRunning:
		return next == ReportStatusCompleted || next == ReportStatusFailed
	default:
		return false
	}
}

type Output struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	ObjectKey string `json:"object_key,omitempty"`
}

type ErrorDetail struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e ErrorDetail) String() string {
	return e.Reason + ": " + e.Message
}

type Report struct {
	ID           string
	Source       string
	ArtifactPath string
	ArtifactName string
	Timestamp    time.Time
	DetectedAt   time.Time
	SubmittedAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Status       ReportStatus
	Outputs      map[string]Output
	Error        *ErrorDetail
	Attempts     int
}

// NewReportID returns the stable id of the artifact found at path at detectedAt.
func NewReportID(path string, detectedAt time.Time) string {
	return uuid.NewSHA1(reportNamespace, []byte(path+"|"+detectedAt.UTC().Format(time.RFC3339Nano))).String()
}

// Day returns the UTC calendar day used by the date index.
func (r *Report) Day() string {
	return DayOf(r.Timestamp)
}

func DayOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// ProcessingTime is the time spent between start and completion. Zero until the report is terminal.
func (r *Report) ProcessingTime() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// Clone returns a deep copy safe to hand out to readers.
func (r *Report) Clone() *Report {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Outputs != nil {
		c.Outputs = maps.Clone(r.Outputs)
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// StatusCount holds the number of reports per status.
type StatusCount struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
}

func (s StatusCount) Total() int {
	return s.Queued + s.Running + s.Completed + s.Failed
}

func (s *StatusCount) Add(status ReportStatus, delta int) {
	switch status {
	case ReportStatusQueued:
		s.Queued += delta
	case ReportStatusRunning:
		s.Running += delta
	case ReportStatusCompleted:
		s.Completed += delta
	case ReportStatusFailed:
		s.Failed += delta
	}
}
