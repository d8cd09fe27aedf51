package v1

import (
	"net/http"

	"github.com/kubev2v/heap-monitor/internal/handlers/v1/mappers"
)

type ReportReply mappers.Report

type ReportListReply []mappers.Report

type StatusReply mappers.Status

type ErrorReply struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (ReportReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (ReportListReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (StatusReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (ErrorReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}
