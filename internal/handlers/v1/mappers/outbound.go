package mappers

import (
	"fmt"
	"time"

	"github.com/kubev2v/heap-monitor/internal/processing"
	"github.com/kubev2v/heap-monitor/internal/store/model"
)

type Output struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
	ObjectKey string `json:"objectKey,omitempty"`
}

type Error struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type Report struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	Artifact       string            `json:"artifact"`
	ArtifactPath   string            `json:"artifactPath"`
	Timestamp      time.Time         `json:"timestamp"`
	DetectedAt     time.Time         `json:"detectedAt"`
	SubmittedAt    time.Time         `json:"submittedAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	ProcessingTime string            `json:"processingTime,omitempty"`
	Status         string            `json:"status"`
	Attempts       int               `json:"attempts"`
	Outputs        map[string]Output `json:"outputs"`
	Error          *Error            `json:"error,omitempty"`
}

type Status struct {
	Queued      int     `json:"queued"`
	Running     int     `json:"running"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Total       int     `json:"total"`
	QueueDepth  int     `json:"queueDepth"`
	Workers     int     `json:"workers"`
	BusyWorkers int     `json:"busyWorkers"`
	Utilization float64 `json:"utilization"`
}

func ReportToApi(r model.Report) Report {
	report := Report{
		ID:           r.ID,
		Source:       r.Source,
		Artifact:     r.ArtifactName,
		ArtifactPath: r.ArtifactPath,
		Timestamp:    r.Timestamp,
		DetectedAt:   r.DetectedAt,
		SubmittedAt:  r.SubmittedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Status:       string(r.Status),
		Attempts:     r.Attempts,
		Outputs:      make(map[string]Output, len(r.Outputs)),
	}
	if d := r.ProcessingTime(); d > 0 {
		report.ProcessingTime = d.String()
	}
	for name, o := range r.Outputs {
		report.Outputs[name] = Output{
			Name:      name,
			Size:      o.Size,
			URL:       fmt.Sprintf("/api/v1/reports/%s/outputs/%s", r.ID, name),
			ObjectKey: o.ObjectKey,
		}
	}
	if r.Error != nil {
		report.Error = &Error{Reason: r.Error.Reason, Message: r.Error.Message}
	}
	return report
}

func ReportListToApi(reports ...model.Report) []Report {
	list := make([]Report, 0, len(reports))
	for _, r := range reports {
		list = append(list, ReportToApi(r))
	}
	return list
}

func StatusToApi(s processing.Stats) Status {
	return Status(s)
}
