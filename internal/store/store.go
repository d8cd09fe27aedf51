package store

import (
	"github.com/kubev2v/heap-monitor/internal/store/model"
)

type Store interface {
	Report() Report
	Statistics() model.StatusCount
}

type DataStore struct {
	report Report
}

func NewStore(opts ...ReportStoreOption) Store {
	return &DataStore{
		report: NewReportStore(opts...),
	}
}

func (s *DataStore) Report() Report {
	return s.report
}

func (s *DataStore) Statistics() model.StatusCount {
	return s.report.Count()
}
