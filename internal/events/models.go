package events

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/kubev2v/heap-monitor/internal/store"
	"github.com/kubev2v/heap-monitor/internal/store/model"
	"go.uber.org/zap"
)

// ReportEvent is published on every report status change. From is empty when the report is admitted.
type ReportEvent struct {
	ReportID string             `json:"report_id"`
	From     model.ReportStatus `json:"from,omitempty"`
	To       model.ReportStatus `json:"to"`
	At       time.Time          `json:"at"`
}

// NewReportTransitionHook publishes report transitions through the producer.
func NewReportTransitionHook(ep *EventProducer) store.TransitionHook {
	return func(id string, from, to model.ReportStatus) {
		data, err := json.Marshal(ReportEvent{ReportID: id, From: from, To: to, At: time.Now().UTC()})
		if err != nil {
			zap.S().Named("event_producer").Errorw("failed to marshal report event", "id", id, "error", err)
			return
		}
		if err := ep.Write(context.TODO(), ReportMessageKind, bytes.NewReader(data)); err != nil {
			zap.S().Named("event_producer").Errorw("failed to queue report event", "id", id, "error", err)
		}
	}
}
