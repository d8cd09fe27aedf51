package store

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/kubev2v/heap-monitor/internal/store/model"
	"go.uber.org/zap"
)

// Transition describes a status change posted by a worker.
type Transition struct {
	To       model.ReportStatus
	At       time.Time
	Outputs  map[string]model.Output
	Error    *model.ErrorDetail
	Attempts int
}

type Report interface {
	Insert(report model.Report) (*model.Report, error)
	UpdateStatus(id string, transition Transition) (*model.Report, error)
	Get(id string) (*model.Report, error)
	ListAll() []model.Report
	ListBySource(source string) []model.Report
	ListByDate(day time.Time) []model.Report
	ListByPath(path string) []model.Report
	Count() model.StatusCount
	Rebuild()
}

// ReportStore keeps reports in memory for the lifetime of the process.
// A single lock guards the primary map and the derived indices.
type ReportStore struct {
	lock     sync.RWMutex
	reports  map[string]*model.Report
	bySource map[string][]string
	byDay    map[string][]string
	byPath   map[string][]string
	counts   model.StatusCount
	hooks    []TransitionHook
}

// Make sure we conform to Report interface
var _ Report = (*ReportStore)(nil)

func NewReportStore(opts ...ReportStoreOption) *ReportStore {
	s := &ReportStore{
		reports:  make(map[string]*model.Report),
		bySource: make(map[string][]string),
		byDay:    make(map[string][]string),
		byPath:   make(map[string][]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Insert stores a new report in Queued state. It fails with ErrDuplicateKey if the id is taken.
func (s *ReportStore) Insert(report model.Report) (*model.Report, error) {
	if report.ID == "" {
		return nil, fmt.Errorf("inserting report: empty id")
	}
	if report.Status == "" {
		report.Status = model.ReportStatusQueued
	}
	if report.Status != model.ReportStatusQueued {
		return nil, fmt.Errorf("inserting report %s in status %s: %w", report.ID, report.Status, ErrInvalidTransition)
	}

	s.lock.Lock()
	if _, found := s.reports[report.ID]; found {
		s.lock.Unlock()
		return nil, fmt.Errorf("report %s: %w", report.ID, ErrDuplicateKey)
	}
	r := report.Clone()
	r.ArtifactPath = cleanPath(r.ArtifactPath)
	s.reports[r.ID] = r
	s.index(r)
	s.counts.Add(r.Status, 1)
	s.notify(r.ID, "", r.Status)
	created := r.Clone()
	s.lock.Unlock()

	return created, nil
}

// UpdateStatus applies a transition. Only successors allowed by model.ReportStatus.CanTransitionTo are accepted.
func (s *ReportStore) UpdateStatus(id string, t Transition) (*model.Report, error) {
	s.lock.Lock()
	r, found := s.reports[id]
	if !found {
		s.lock.Unlock()
		return nil, ErrRecordNotFound
	}

	from := r.Status
	if !from.CanTransitionTo(t.To) {
		s.lock.Unlock()
		zap.S().Named("report_store").Errorw("rejected status transition", "id", id, "from", from, "to", t.To)
		return nil, fmt.Errorf("report %s %s -> %s: %w", id, from, t.To, ErrInvalidTransition)
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	switch t.To {
	case model.ReportStatusRunning:
		r.StartedAt = &at
	case model.ReportStatusCompleted, model.ReportStatusFailed:
		r.CompletedAt = &at
		if len(t.Outputs) > 0 {
			r.Outputs = make(map[string]model.Output, len(t.Outputs))
			for name, o := range t.Outputs {
				r.Outputs[name] = o
			}
		}
		if t.To == model.ReportStatusFailed {
			detail := model.ErrorDetail{Reason: model.FailureReasonInternal, Message: "unknown error"}
			if t.Error != nil {
				detail = *t.Error
			}
			r.Error = &detail
		}
	}
	if t.Attempts > 0 {
		r.Attempts = t.Attempts
	}

	r.Status = t.To
	s.counts.Add(from, -1)
	s.counts.Add(t.To, 1)
	s.notify(id, from, t.To)
	updated := r.Clone()
	s.lock.Unlock()

	return updated, nil
}

func (s *ReportStore) Get(id string) (*model.Report, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	r, found := s.reports[id]
	if !found {
		return nil, ErrRecordNotFound
	}
	return r.Clone(), nil
}

func (s *ReportStore) ListAll() []model.Report {
	s.lock.RLock()
	defer s.lock.RUnlock()

	reports := make([]model.Report, 0, len(s.reports))
	for _, r := range s.reports {
		reports = append(reports, *r.Clone())
	}
	sortReports(reports)
	return reports
}

func (s *ReportStore) ListBySource(source string) []model.Report {
	return s.listFromIndex(func() []string { return s.bySource[source] })
}

// ListByDate returns the reports whose artifact timestamp falls on the UTC day of day.
func (s *ReportStore) ListByDate(day time.Time) []model.Report {
	key := model.DayOf(day)
	return s.listFromIndex(func() []string { return s.byDay[key] })
}

func (s *ReportStore) ListByPath(path string) []model.Report {
	key := cleanPath(path)
	return s.listFromIndex(func() []string { return s.byPath[key] })
}

func (s *ReportStore) Count() model.StatusCount {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.counts
}

// Rebuild recomputes the derived indices and counters from the primary map.
func (s *ReportStore) Rebuild() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.bySource = make(map[string][]string)
	s.byDay = make(map[string][]string)
	s.byPath = make(map[string][]string)
	s.counts = model.StatusCount{}
	for _, r := range s.reports {
		s.index(r)
		s.counts.Add(r.Status, 1)
	}
}

func (s *ReportStore) listFromIndex(ids func() []string) []model.Report {
	s.lock.RLock()
	defer s.lock.RUnlock()

	keys := ids()
	reports := make([]model.Report, 0, len(keys))
	for _, id := range keys {
		if r, found := s.reports[id]; found {
			reports = append(reports, *r.Clone())
		}
	}
	sortReports(reports)
	return reports
}

// index must be called with the write lock held.
func (s *ReportStore) index(r *model.Report) {
	s.bySource[r.Source] = append(s.bySource[r.Source], r.ID)
	s.byDay[r.Day()] = append(s.byDay[r.Day()], r.ID)
	s.byPath[r.ArtifactPath] = append(s.byPath[r.ArtifactPath], r.ID)
}

// notify must be called with the write lock held so hooks observe transitions in order.
func (s *ReportStore) notify(id string, from, to model.ReportStatus) {
	for _, h := range s.hooks {
		h(id, from, to)
	}
}

// sortReports orders reports newest first, ties broken by id.
func sortReports(reports []model.Report) {
	slices.SortFunc(reports, func(a, b model.Report) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

func cleanPath(p string) string {
	if p == "" {
		return p
	}
	return filepath.Clean(p)
}
