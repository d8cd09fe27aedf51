package service

import (
	"fmt"

	"github.com/kubev2v/heap-monitor/internal/store/model"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id string, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %s not found", resourceType, id)}
}

func NewErrReportNotFound(id string) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "report")
}

func NewErrOutputNotFound(reportID, name string) *ErrResourceNotFound {
	return NewErrResourceNotFound(fmt.Sprintf("%s of report %s", name, reportID), "output")
}

type ErrReportNotCompleted struct {
	error
}

func NewErrReportNotCompleted(id string, status model.ReportStatus) *ErrReportNotCompleted {
	return &ErrReportNotCompleted{fmt.Errorf("report %s is %s, outputs are only available once completed", id, status)}
}

type ErrInvalidDate struct {
	error
}

func NewErrInvalidDate(date string) *ErrInvalidDate {
	return &ErrInvalidDate{fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)}
}
