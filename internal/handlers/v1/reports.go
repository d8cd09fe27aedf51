package v1

import (
	"mime"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/kubev2v/heap-monitor/internal/handlers/v1/mappers"
	"github.com/kubev2v/heap-monitor/internal/service"
	"github.com/kubev2v/heap-monitor/internal/service/index"
	"github.com/kubev2v/heap-monitor/pkg/requestid"
	"go.uber.org/zap"
)

type ServiceHandler struct {
	reportSrv *service.ReportService
	renderer  *index.Renderer
}

func NewServiceHandler(reportService *service.ReportService) *ServiceHandler {
	return &ServiceHandler{
		reportSrv: reportService,
		renderer:  index.NewRenderer(),
	}
}

// RegisterApi mounts the report routes on router.
func (h *ServiceHandler) RegisterApi(router chi.Router) {
	router.Get("/", h.Index)
	router.Get("/health", h.Health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/reports", h.ListReports)
		r.Get("/reports/source/{source}", h.ListReportsBySource)
		r.Get("/reports/date/{date}", h.ListReportsByDate)
		r.Get("/reports/{id}", h.GetReport)
		r.Get("/reports/{id}/outputs/{name}", h.GetReportOutput)
	})
}

// (GET /)
func (h *ServiceHandler) Index(w http.ResponseWriter, r *http.Request) {
	page, err := h.renderer.Render(h.reportSrv.ListReports(), h.reportSrv.Status())
	if err != nil {
		h.replyError(w, r, http.StatusInternalServerError, err)
		return
	}
	render.HTML(w, r, page)
}

// (GET /health)
func (h *ServiceHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// (GET /api/v1/status)
func (h *ServiceHandler) Status(w http.ResponseWriter, r *http.Request) {
	_ = render.Render(w, r, StatusReply(mappers.StatusToApi(h.reportSrv.Status())))
}

// (GET /api/v1/reports)
func (h *ServiceHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	_ = render.Render(w, r, ReportListReply(mappers.ReportListToApi(h.reportSrv.ListReports()...)))
}

// (GET /api/v1/reports/source/{source})
func (h *ServiceHandler) ListReportsBySource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	_ = render.Render(w, r, ReportListReply(mappers.ReportListToApi(h.reportSrv.ListReportsBySource(source)...)))
}

// (GET /api/v1/reports/date/{date})
func (h *ServiceHandler) ListReportsByDate(w http.ResponseWriter, r *http.Request) {
	reports, err := h.reportSrv.ListReportsByDate(chi.URLParam(r, "date"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	_ = render.Render(w, r, ReportListReply(mappers.ReportListToApi(reports...)))
}

// (GET /api/v1/reports/{id})
func (h *ServiceHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.reportSrv.GetReport(chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	_ = render.Render(w, r, ReportReply(mappers.ReportToApi(*report)))
}

// (GET /api/v1/reports/{id}/outputs/{name})
func (h *ServiceHandler) GetReportOutput(w http.ResponseWriter, r *http.Request) {
	output, content, err := h.reportSrv.OpenOutput(chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(output.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": filepath.Base(output.Path)}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *ServiceHandler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch err.(type) {
	case *service.ErrResourceNotFound:
		h.replyError(w, r, http.StatusNotFound, err)
	case *service.ErrInvalidDate:
		h.replyError(w, r, http.StatusBadRequest, err)
	case *service.ErrReportNotCompleted:
		h.replyError(w, r, http.StatusConflict, err)
	default:
		h.replyError(w, r, http.StatusInternalServerError, err)
	}
}

func (h *ServiceHandler) replyError(w http.ResponseWriter, r *http.Request, status int, err error) {
	requestID := requestid.FromRequest(r)
	if status >= http.StatusInternalServerError {
		zap.S().Named("handlers").Errorw("request failed", "request_id", requestID, "path", r.URL.Path, "error", err)
	}
	render.Status(r, status)
	_ = render.Render(w, r, ErrorReply{Message: err.Error(), RequestID: requestID})
}
